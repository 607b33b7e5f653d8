/*
Package translator republishes UUID-namespaced device messages onto
name-namespaced application topics.

Applications consume topics addressed by the human device name; devices
publish under their UUID. The translator resolves UUID to name through a
TTL cache and republishes the payload unchanged. A cache hit extends the
entry's lifetime, so under steady traffic entries do not expire on their
own; a background monitor re-resolves the cached UUIDs every two cache
periods, so renamed devices converge within two cache periods.
*/
package translator

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

const (
	minTTL     = 30 * time.Second
	maxTTL     = 10 * time.Minute
	defaultTTL = time.Minute
)

// Builder is a builder helper for the Translator.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// Broker is the MQTT client with the translator identity. This is mandatory.
	Broker hub.MessageBroker
	// CacheTTL is the name cache lifetime, clamped between 30 seconds
	// and 10 minutes. Zero means one minute.
	CacheTTL time.Duration
}

// Translator is the name translator.
type Translator struct {
	store  *store.Store
	broker hub.MessageBroker
	cache  *ttlcache.Cache[string, string]
	ttl    time.Duration
	done   chan struct{}
}

// MustNewTranslator wires the translator, subscribes to the device event
// topics and starts the background monitor.
func MustNewTranslator(b *Builder) *Translator {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Broker == nil {
		panic("broker is missing")
	}

	ttl := b.CacheTTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	t := &Translator{
		store:  b.Store,
		broker: b.Broker,
		cache:  ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go t.cache.Start()

	if err := t.broker.SubscribeQ1(wire.LegacyEventsSub, t.onMessage); err != nil {
		panic(err)
	}

	// the monitor reconciles renames for applications that consume
	// name-addressed topics
	go t.monitor()
	return t
}

// Stop stops the background monitor and the cache janitor.
func (t *Translator) Stop() {
	close(t.done)
	t.cache.Stop()
}

func (t *Translator) onMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, "devices/")
	if !ok {
		return
	}
	uuid, suffix, ok := strings.Cut(rest, "/")
	if !ok {
		return
	}

	name, ok := t.resolve(uuid)
	if !ok {
		// unresolvable messages are dropped silently
		return
	}
	if err := t.broker.PublishMessageQ1(wire.DeviceDataPrefix+name+"/"+suffix, payload); err != nil {
		logger.Default().WithError(err).Warnln("cannot republish device data for", name)
	}
}

func (t *Translator) resolve(uuid string) (string, bool) {
	if item := t.cache.Get(uuid); item != nil {
		return item.Value(), true
	}
	name, err := t.store.ResolveNameByUUID(context.Background(), uuid)
	if err != nil {
		return "", false
	}
	t.cache.Set(uuid, name, ttlcache.DefaultTTL)
	return name, true
}

// monitor re-resolves the cached UUIDs on a polling cadence of twice the
// cache TTL. Renamed or deleted devices are invalidated so the next
// message triggers a fresh lookup.
func (t *Translator) monitor() {
	ticker := time.NewTicker(2 * t.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.reconcile()
	}
}

// reconcile drops cache entries whose device was renamed or deleted.
func (t *Translator) reconcile() {
	for _, key := range t.cache.Keys() {
		item := t.cache.Get(key, ttlcache.WithDisableTouchOnHit[string, string]())
		if item == nil {
			continue
		}
		name, err := t.store.ResolveNameByUUID(context.Background(), key)
		if err != nil || name != item.Value() {
			t.cache.Delete(key)
		}
	}
}
