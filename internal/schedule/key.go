package schedule

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DemoArgs is the subscription args of the synthetic demo schedule.
const DemoArgs = "demo-subscription"

// DemoKey identifies the demo schedule. It never hits the network.
var DemoKey = Key{CityID: "demo", StreetID: "demo", HouseID: "demo"}

var ErrInvalidKey = errors.New("invalid subscription key")

// Key is one physical address. Equality is on the decoded triple.
type Key struct {
	CityID   string `json:"cityId"`
	StreetID string `json:"streetId"`
	HouseID  string `json:"houseId"`
}

func NewKey(cityID, streetID, houseID string) (Key, error) {
	k := Key{
		CityID:   strings.TrimSpace(cityID),
		StreetID: strings.TrimSpace(streetID),
		HouseID:  strings.TrimSpace(houseID),
	}
	if k.CityID == "" || k.StreetID == "" || k.HouseID == "" {
		return Key{}, fmt.Errorf("%w: city, street and house ids are required", ErrInvalidKey)
	}
	return k, nil
}

// ParseKey decodes subscription args. Parameter order does not matter.
func ParseKey(args string) (Key, error) {
	args = strings.TrimSpace(args)
	if args == DemoArgs {
		return DemoKey, nil
	}
	if args == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	q, err := url.ParseQuery(args)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKey(q.Get("cityId"), q.Get("streetId"), q.Get("houseId"))
}

func (k Key) IsDemo() bool { return k == DemoKey }

// String is the canonical subscription args encoding.
func (k Key) String() string {
	if k.IsDemo() {
		return DemoArgs
	}
	return "cityId=" + url.QueryEscape(k.CityID) +
		"&streetId=" + url.QueryEscape(k.StreetID) +
		"&houseId=" + url.QueryEscape(k.HouseID)
}

func (k Key) IsZero() bool { return k == Key{} }
