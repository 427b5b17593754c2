// Package message defines the envelope exchanged between a discovery client
// and the registry daemon.
//
// Message is the "envelope" for every request and response. It gets serialized
// by the codec layer and wrapped in a protocol frame for transmission over TCP.
//
//   - On request:  Kind is set, plus Query (find) or one Description (offer, stop_offer).
//   - On response: Descriptions holds the find result, Counter the change counter
//     after the request was handled, Code/Error are set if the request failed.
package message

import "shm-discovery/service"

// Kind names the registry operation a request asks for.
type Kind string

const (
	KindFind      Kind = "find"
	KindOffer     Kind = "offer"
	KindStopOffer Kind = "stop_offer"
	KindCounter   Kind = "counter"
)

// ReadOnly reports whether handling k leaves the registry unchanged,
// i.e. whether the request can safely be sent twice.
func (k Kind) ReadOnly() bool {
	return k == KindFind || k == KindCounter
}

// Field is one query position on the wire: a concrete value or the wildcard.
type Field struct {
	Value    string `json:"value,omitempty" msgpack:"v,omitempty"`
	Wildcard bool   `json:"wildcard,omitempty" msgpack:"w,omitempty"`
}

// Query is the three-field find request.
type Query struct {
	Service  Field `json:"service" msgpack:"s"`
	Instance Field `json:"instance" msgpack:"i"`
	Event    Field `json:"event" msgpack:"e"`
}

// Triple is a Description on the wire.
type Triple struct {
	Service  string `json:"service" msgpack:"s"`
	Instance string `json:"instance" msgpack:"i"`
	Event    string `json:"event" msgpack:"e"`
}

// Message carries a single request or response.
type Message struct {
	Kind         Kind     `json:"kind" msgpack:"k"`
	Query        Query    `json:"query" msgpack:"q"`
	Descriptions []Triple `json:"descriptions,omitempty" msgpack:"d,omitempty"`
	Counter      uint64   `json:"counter,omitempty" msgpack:"c,omitempty"`
	Code         ErrCode  `json:"code,omitempty" msgpack:"x,omitempty"`
	Error        string   `json:"error,omitempty" msgpack:"m,omitempty"`
}

// Failed reports whether the message carries an error.
func (m *Message) Failed() bool { return m.Code != "" }

// FromQuery converts a service.Query to its wire form.
func FromQuery(q service.Query) Query {
	return Query{
		Service:  fromID(q.Service),
		Instance: fromID(q.Instance),
		Event:    fromID(q.Event),
	}
}

// ToQuery converts a wire query back, validating field lengths.
func (q Query) ToQuery() (service.Query, error) {
	var out service.Query
	var err error
	if out.Service, err = q.Service.toID(); err != nil {
		return service.Query{}, err
	}
	if out.Instance, err = q.Instance.toID(); err != nil {
		return service.Query{}, err
	}
	if out.Event, err = q.Event.toID(); err != nil {
		return service.Query{}, err
	}
	return out, nil
}

// FromDescription converts a Description to its wire form.
func FromDescription(d service.Description) Triple {
	return Triple{
		Service:  d.Service().String(),
		Instance: d.Instance().String(),
		Event:    d.Event().String(),
	}
}

// ToDescription converts a wire triple back, validating field lengths.
func (t Triple) ToDescription() (service.Description, error) {
	return service.NewDescription(t.Service, t.Instance, t.Event)
}

func fromID(id service.ID) Field {
	if id.IsWildcard() {
		return Field{Wildcard: true}
	}
	return Field{Value: id.String()}
}

func (f Field) toID() (service.ID, error) {
	if f.Wildcard {
		return service.Wildcard, nil
	}
	return service.NewID(f.Value)
}
