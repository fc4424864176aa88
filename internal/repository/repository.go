// Package repository содержит реализации шлюза хранения для сервиса парковки.
package repository

import "errors"

var (
	// ErrNotFound возвращается, если активная сессия или транзакция не найдена.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateSession возвращается, если номер уже числится на парковке.
	ErrDuplicateSession = errors.New("plate already has a parked session")
	// ErrDuplicateTransaction возвращается при попытке второй раз закрыть сессию.
	ErrDuplicateTransaction = errors.New("session already has a closed transaction")
	// ErrAdminNotFound возвращается, если администратор с таким email не найден.
	ErrAdminNotFound = errors.New("admin not found")
	// ErrAdminExists возвращается при создании администратора с занятым email.
	ErrAdminExists = errors.New("admin already exists")
)
