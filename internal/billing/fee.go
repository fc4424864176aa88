// Package billing содержит единственную формулу расчёта стоимости стоянки.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ferdianto22/parking-system/internal/model"
)

var (
	// ErrClockSkew возвращается, если момент расчёта раньше времени въезда.
	ErrClockSkew = errors.New("clock skew: evaluation instant precedes entry time")
	// ErrInvalidRate возвращается при неположительном тарифе.
	ErrInvalidRate = errors.New("tariff rate must be positive")
)

// Tariffs задаёт почасовой тариф для каждого типа транспорта.
type Tariffs map[model.VehicleType]int64

// DefaultTariffs возвращает тарифы по умолчанию: мотоцикл 2000, автомобиль 5000 в час.
func DefaultTariffs() Tariffs {
	return Tariffs{
		model.VehicleMotorcycle: 2000,
		model.VehicleCar:        5000,
	}
}

// Rate возвращает почасовой тариф для типа транспорта.
func (t Tariffs) Rate(vt model.VehicleType) (int64, error) {
	rate, ok := t[vt]
	if !ok {
		return 0, fmt.Errorf("no tariff for vehicle type %q", vt)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("%w: %s=%d", ErrInvalidRate, vt, rate)
	}
	return rate, nil
}

// Compute рассчитывает стоимость стоянки на момент now.
// Оплата округляется вверх до целого часа, минимум один час.
func Compute(entry, now time.Time, ratePerHour int64) (model.Fee, error) {
	if ratePerHour <= 0 {
		return model.Fee{}, ErrInvalidRate
	}

	elapsed := now.Sub(entry)
	if elapsed < 0 {
		return model.Fee{}, fmt.Errorf("%w: entry %s, now %s", ErrClockSkew,
			entry.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	hours := int64(elapsed / time.Hour)
	if elapsed%time.Hour != 0 {
		hours++
	}
	if hours < 1 {
		hours = 1
	}

	return model.Fee{
		ElapsedMinutes: int64(elapsed / time.Minute),
		BillableHours:  hours,
		AmountDue:      hours * ratePerHour,
	}, nil
}

// FormatDuration форматирует количество минут в вид "Hh Mm".
func FormatDuration(minutes int64) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
