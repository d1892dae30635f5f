package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const blobVersion = 1

type envelope struct {
	Version int                 `json:"version"`
	Rooms   map[string][]record `json:"rooms"`
}

type record struct {
	ID           int64  `json:"id"`
	LocationID   string `json:"location_id"`
	LocationName string `json:"location_name"`
	FireHour     int    `json:"fire_hour"`
	FireMinute   int    `json:"fire_minute"`
	ForecastDays int    `json:"forecast_days"`
}

// Encode serializes every non-empty room. Map keys are sorted by encoding/json,
// so equal states encode to equal bytes.
func Encode(rooms map[RoomID][]Subscription) ([]byte, error) {
	env := envelope{Version: blobVersion, Rooms: make(map[string][]record, len(rooms))}
	for room, subs := range rooms {
		if len(subs) == 0 {
			continue
		}
		recs := make([]record, 0, len(subs))
		for _, s := range subs {
			recs = append(recs, record{
				ID:           s.ID,
				LocationID:   s.LocationID,
				LocationName: s.LocationName,
				FireHour:     s.Fire.Hour,
				FireMinute:   s.Fire.Minute,
				ForecastDays: s.ForecastDays,
			})
		}
		env.Rooms[string(room)] = recs
	}
	return json.Marshal(env)
}

// Decode parses a blob written by Encode. An empty blob is an empty mapping.
func Decode(b []byte) (map[RoomID][]Subscription, error) {
	out := map[RoomID][]Subscription{}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, env.Version)
	}

	seen := map[int64]RoomID{}
	for room, recs := range env.Rooms {
		if room == "" {
			return nil, fmt.Errorf("%w: empty room id", ErrDecode)
		}
		subs := make([]Subscription, 0, len(recs))
		for _, r := range recs {
			s := Subscription{
				ID:           r.ID,
				Room:         RoomID(room),
				LocationID:   r.LocationID,
				LocationName: r.LocationName,
				Fire:         FireTime{Hour: r.FireHour, Minute: r.FireMinute},
				ForecastDays: r.ForecastDays,
			}
			if err := validate(s); err != nil {
				return nil, fmt.Errorf("%w: room %s id %d: %v", ErrDecode, room, r.ID, err)
			}
			if prev, dup := seen[s.ID]; dup {
				return nil, fmt.Errorf("%w: id %d in rooms %s and %s", ErrDecode, s.ID, prev, room)
			}
			seen[s.ID] = s.Room
			subs = append(subs, s)
		}
		if len(subs) > 0 {
			out[RoomID(room)] = subs
		}
	}
	return out, nil
}

func validate(s Subscription) error {
	switch {
	case s.Room == "":
		return fmt.Errorf("%w: empty room", ErrInvalidArgument)
	case s.ID < 0:
		return fmt.Errorf("%w: negative id", ErrInvalidArgument)
	case s.LocationID == "":
		return fmt.Errorf("%w: empty location", ErrInvalidArgument)
	case !s.Fire.Valid():
		return fmt.Errorf("%w: fire time %s", ErrInvalidArgument, s.Fire)
	case s.ForecastDays < 1:
		return fmt.Errorf("%w: forecast days %d", ErrInvalidArgument, s.ForecastDays)
	}
	return nil
}
