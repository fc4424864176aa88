// Package model содержит доменные сущности сервиса парковки.
package model

import (
	"strings"
	"time"
)

// VehicleType описывает тип транспортного средства, от которого зависит тариф.
type VehicleType string

const (
	VehicleMotorcycle VehicleType = "Motorcycle"
	VehicleCar        VehicleType = "Car"
)

// ParseVehicleType распознаёт тип транспорта, включая исходные обозначения "Motor" и "Mobil".
func ParseVehicleType(s string) (VehicleType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "motorcycle", "motor":
		return VehicleMotorcycle, true
	case "car", "mobil":
		return VehicleCar, true
	}
	return "", false
}

// SessionStatus описывает состояние парковочной сессии.
type SessionStatus string

const (
	SessionParked SessionStatus = "PARKED"
	SessionExited SessionStatus = "EXITED"
)

// VehicleSession описывает пребывание одного транспортного средства на парковке.
type VehicleSession struct {
	ID          string
	PlateNumber string
	VehicleType VehicleType
	EntryTime   time.Time
	Status      SessionStatus
}

// ClosedTransaction описывает неизменяемую запись об оплаченной сессии.
type ClosedTransaction struct {
	ID            string
	SessionID     string
	PlateNumber   string
	VehicleType   VehicleType
	EntryTime     time.Time
	ExitTime      time.Time
	BilledMinutes int64
	AmountDue     int64
}

// Fee содержит результат расчёта стоимости стоянки.
type Fee struct {
	ElapsedMinutes int64
	BillableHours  int64
	AmountDue      int64
}

// Quote содержит предварительный расчёт стоимости для активной сессии.
type Quote struct {
	Session     VehicleSession
	Fee         Fee
	RatePerHour int64
	QuotedAt    time.Time
}

// CheckoutResult возвращается после закрытия сессии.
type CheckoutResult struct {
	SessionID     string
	TransactionID string
	PlateNumber   string
	VehicleType   VehicleType
	EntryTime     time.Time
	ExitTime      time.Time
	BilledMinutes int64
	BillableHours int64
	AmountDue     int64
}

// DailySummary содержит закрытые за день транзакции и агрегаты по ним.
type DailySummary struct {
	Day          time.Time
	Transactions []ClosedTransaction
	Count        int
	Revenue      int64
}

// Admin представляет учётную запись администратора парковки.
type Admin struct {
	ID           int64
	Email        string
	PasswordHash []byte
	Role         string
	LastLogin    *time.Time
}

// RoleAdmin открывает доступ к выезду и отчётам.
const RoleAdmin = "admin"
