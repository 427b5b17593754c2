package service

import "fmt"

// Query selects descriptions. Any field may be the Wildcard.
type Query struct {
	Service  ID
	Instance ID
	Event    ID
}

// AnyQuery matches every description.
var AnyQuery = Query{Service: Wildcard, Instance: Wildcard, Event: Wildcard}

// ParseQuery builds a Query from strings; "*" becomes the Wildcard.
// It is meant for command-line input, where "*" is the only way to spell a wildcard.
func ParseQuery(service, instance, event string) (Query, error) {
	var q Query
	var err error
	if q.Service, err = parseField(service); err != nil {
		return Query{}, fmt.Errorf("service: %w", err)
	}
	if q.Instance, err = parseField(instance); err != nil {
		return Query{}, fmt.Errorf("instance: %w", err)
	}
	if q.Event, err = parseField(event); err != nil {
		return Query{}, fmt.Errorf("event: %w", err)
	}
	return q, nil
}

// ExactQuery selects exactly d.
func ExactQuery(d Description) Query {
	return Query{Service: d.service, Instance: d.instance, Event: d.event}
}

func (q Query) String() string {
	return fmt.Sprintf("(%s, %s, %s)", q.Service, q.Instance, q.Event)
}

func parseField(s string) (ID, error) {
	if s == "*" {
		return Wildcard, nil
	}
	return NewID(s)
}
