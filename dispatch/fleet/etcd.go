package fleet

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/llm-serving/dispatchd/dispatch"
)

// EtcdRegistry implements Registry on etcd v3.
//
// Layout: one key per instance, <prefix>/<instance_id>, whose value is the
// JSON-encoded load report. Registration attaches a TTL lease kept alive
// by heartbeats, so a crashed instance disappears when its lease expires
// instead of lingering as a ghost entry.
type EtcdRegistry struct {
	client    *clientv3.Client // thread-safe, shared across goroutines
	keyPrefix string
	leaseTTL  int64

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance id -> active lease
}

// NewEtcdRegistry connects to the given etcd endpoints. keyPrefix scopes
// all registry keys; leaseTTL is the registration lease in seconds.
func NewEtcdRegistry(endpoints []string, keyPrefix string, leaseTTL int64) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:    c,
		keyPrefix: strings.TrimSuffix(keyPrefix, "/"),
		leaseTTL:  leaseTTL,
		leases:    make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) key(instanceID string) string {
	return r.keyPrefix + "/" + instanceID
}

// Register implements Registry.
//
// Flow: grant a TTL lease, put the report under the lease, start
// KeepAlive so the lease renews until Deregister or process death.
func (r *EtcdRegistry) Register(ctx context.Context, report dispatch.InstanceLoadInfo) error {
	lease, err := r.client.Grant(ctx, r.leaseTTL)
	if err != nil {
		return err
	}
	val, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, r.key(report.InstanceID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	r.mu.Lock()
	r.leases[report.InstanceID] = lease.ID
	r.mu.Unlock()
	return nil
}

// Publish implements Registry. The fresh report is re-put under the
// registration lease so load updates never outlive the instance.
func (r *EtcdRegistry) Publish(ctx context.Context, report dispatch.InstanceLoadInfo) error {
	r.mu.Lock()
	leaseID, ok := r.leases[report.InstanceID]
	r.mu.Unlock()

	val, err := json.Marshal(report)
	if err != nil {
		return err
	}
	opts := []clientv3.OpOption{}
	if ok {
		opts = append(opts, clientv3.WithLease(leaseID))
	}
	_, err = r.client.Put(ctx, r.key(report.InstanceID), string(val), opts...)
	return err
}

// Deregister implements Registry.
func (r *EtcdRegistry) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	delete(r.leases, instanceID)
	r.mu.Unlock()
	_, err := r.client.Delete(ctx, r.key(instanceID))
	return err
}

// Watch implements Registry. On every change under the prefix the current
// membership is re-fetched and diffed against the previous one (simpler
// and more robust than decoding individual watch events, since a lease
// expiry and an explicit delete look the same this way). The current
// membership is replayed as joins before the first real event.
func (r *EtcdRegistry) Watch(ctx context.Context) (<-chan Event, error) {
	snapshot, err := r.Collect(ctx)
	if err != nil {
		return nil, err
	}
	prev := make(map[string]struct{}, len(snapshot))
	for id := range snapshot {
		prev[id] = struct{}{}
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		for _, ev := range diffMembership(nil, prev) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		watchChan := r.client.Watch(ctx, r.keyPrefix+"/", clientv3.WithPrefix())
		for range watchChan {
			snapshot, err := r.Collect(ctx)
			if err != nil {
				logrus.Warnf("fleet watch: collect failed: %v", err)
				continue
			}
			cur := make(map[string]struct{}, len(snapshot))
			for id := range snapshot {
				cur[id] = struct{}{}
			}
			for _, ev := range diffMembership(prev, cur) {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			prev = cur
		}
	}()
	return ch, nil
}

// Collect implements Registry.
func (r *EtcdRegistry) Collect(ctx context.Context) (dispatch.Snapshot, error) {
	resp, err := r.client.Get(ctx, r.keyPrefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	snapshot := make(dispatch.Snapshot, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var report dispatch.InstanceLoadInfo
		if err := json.Unmarshal(kv.Value, &report); err != nil {
			logrus.Warnf("fleet collect: skipping malformed report at %s: %v", kv.Key, err)
			continue
		}
		if report.InstanceID == "" {
			report.InstanceID = strings.TrimPrefix(string(kv.Key), r.keyPrefix+"/")
		}
		snapshot[report.InstanceID] = report
	}
	return snapshot, nil
}

// Close implements Registry.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
