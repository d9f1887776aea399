// etcd-based implementation of the Registry interface.
//
// Services live under a common key prefix:
//
//	Key:   /rfoo/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed automatically, so no ghost instances
// linger.
package registry

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/rfoo/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a service instance under a TTL lease and starts background
// lease renewal. If KeepAlive stops (process death), the entry auto-expires
// after the TTL.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+serviceName+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrap(err, "put instance")
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a service instance. Called during graceful shutdown
// before the listener closes, so clients stop routing here first.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+serviceName+"/"+addr)
	if err != nil {
		return errors.Wrap(err, "delete instance")
	}
	return nil
}

// Watch emits the full updated instance list whenever anything under the
// service prefix changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ctx := context.TODO()
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list on any change, simpler than
			// replaying individual events.
			instances, _ := r.Discover(serviceName)
			ch <- instances
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	prefix := keyPrefix + serviceName + "/"

	resp, err := r.client.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "get instances")
	}

	instances := make([]ServiceInstance, 0)
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}
