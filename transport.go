package xauth

// TransportFactory builds a transport from the config blob handed to
// BrokerBuilder.WithTransport.
type TransportFactory func(cfg map[string]any) (Transport, error)

var transports = newRegistry[TransportFactory]("transport", nil)

// RegisterTransport makes a transport available by name. Adapters call it
// from init.
func RegisterTransport(name string, factory TransportFactory) error {
	return transports.register(name, factory, factory == nil)
}

// NewTransport builds the transport registered as name.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.lookup(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// Transports lists registered transport names in order.
func Transports() []string { return transports.names() }
