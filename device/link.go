package device

// Link is an established point-to-point connection to a peripheral.
type Link interface {
	// Endpoints enumerates the communication endpoints (GATT characteristics) of the peripheral.
	Endpoints() ([]Endpoint, error)
	// Disconnect releases the link. Calling it more than once is a no-op.
	Disconnect() error
}

// Endpoint is a single communication endpoint of a Link.
type Endpoint interface {
	ID() string
	// CanNotify reports whether the endpoint pushes values (notify or indicate).
	CanNotify() bool
	// Subscribe registers h for every value pushed by the endpoint.
	Subscribe(h func(payload []byte)) error
}
