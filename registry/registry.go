// Package registry provides optional service discovery for rfoo servers.
//
// A server that wants to be discoverable advertises its listen address under
// a service name; clients look the name up instead of hard-coding an
// address. A nil Registry skips discovery entirely: the core protocol does
// not depend on it.
package registry

// ServiceInstance describes one reachable server endpoint.
type ServiceInstance struct {
	Addr    string
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
