package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	rooms := map[RoomID][]Subscription{
		"-100/7": {
			{ID: 4, Room: "-100/7", LocationID: "751010", LocationName: "Paris", Fire: FireTime{8, 0}, ForecastDays: 3},
			{ID: 1, Room: "-100/7", LocationID: "691230", LocationName: "Lyon", Fire: FireTime{23, 59}, ForecastDays: 1},
		},
		"empty": nil,
	}
	b, err := Encode(rooms)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"version":1`)
	assert.Contains(t, string(b), `"fire_hour":23`)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.NotContains(t, got, RoomID("empty"))
	assert.Equal(t, rooms["-100/7"], got["-100/7"])
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":      `{`,
		"wrong version": `{"version":2,"rooms":{}}`,
		"unknown field": `{"version":1,"rooms":{},"extra":true}`,
		"bad days":      `{"version":1,"rooms":{"r":[{"id":1,"location_id":"x","location_name":"X","fire_hour":8,"fire_minute":0,"forecast_days":0}]}}`,
		"bad hour":      `{"version":1,"rooms":{"r":[{"id":1,"location_id":"x","location_name":"X","fire_hour":25,"fire_minute":0,"forecast_days":1}]}}`,
		"duplicate id": `{"version":1,"rooms":{
			"a":[{"id":1,"location_id":"x","location_name":"X","fire_hour":8,"fire_minute":0,"forecast_days":1}],
			"b":[{"id":1,"location_id":"y","location_name":"Y","fire_hour":8,"fire_minute":0,"forecast_days":1}]}}`,
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(blob))
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()
	got, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseFireTime(t *testing.T) {
	t.Parallel()
	good := map[string]FireTime{
		"08:00": {8, 0},
		"8:05":  {8, 5},
		"23:59": {23, 59},
		"00:00": {0, 0},
	}
	for in, want := range good {
		got, err := ParseFireTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "8", "24:00", "12:60", "12:5", "aa:bb", "-1:00", "123:00", "+8:00", "-0:00", "8:+5", " 8:0 "} {
		_, err := ParseFireTime(in)
		require.ErrorIs(t, err, ErrInvalidArgument, in)
	}
}

func TestAllocator(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	assert.Equal(t, int64(0), a.Next())
	assert.Equal(t, int64(1), a.Next())

	a.Reset(map[RoomID][]Subscription{"r": {{ID: 9}, {ID: 4}}})
	assert.Equal(t, int64(10), a.Next())

	// Never moves backwards.
	a.Reset(map[RoomID][]Subscription{"r": {{ID: 2}}})
	assert.Equal(t, int64(11), a.Next())
}
