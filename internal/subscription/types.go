package subscription

import (
	"fmt"
	"strconv"
	"strings"
)

// RoomID is the transport's opaque room identity.
type RoomID string

// FireTime is a wall-clock time of day.
type FireTime struct {
	Hour   int
	Minute int
}

func (f FireTime) Valid() bool {
	return f.Hour >= 0 && f.Hour <= 23 && f.Minute >= 0 && f.Minute <= 59
}

func (f FireTime) String() string { return fmt.Sprintf("%02d:%02d", f.Hour, f.Minute) }

// ParseFireTime accepts "H:MM" or "HH:MM".
func ParseFireTime(s string) (FireTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) < 1 || len(hh) > 2 || len(mm) != 2 || !allDigits(hh) || !allDigits(mm) {
		return FireTime{}, fmt.Errorf("%w: fire time %q", ErrInvalidArgument, s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	f := FireTime{Hour: h, Minute: m}
	if err1 != nil || err2 != nil || !f.Valid() {
		return FireTime{}, fmt.Errorf("%w: fire time %q", ErrInvalidArgument, s)
	}
	return f, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Location is a resolved place, captured once at subscribe time.
type Location struct {
	ID   string
	Name string
}

// Subscription is immutable once created.
type Subscription struct {
	ID           int64
	Room         RoomID
	LocationID   string
	LocationName string
	Fire         FireTime
	ForecastDays int
}

func (s Subscription) Key() Key { return Key{Room: s.Room, ID: s.ID} }

// Key identifies a subscription and its live trigger.
type Key struct {
	Room RoomID
	ID   int64
}

func (k Key) String() string { return string(k.Room) + "#" + strconv.FormatInt(k.ID, 10) }
