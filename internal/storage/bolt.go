// Package storage — bolt.go
//
// BoltDB-backed persistent storage for sentineld: the Storage Port
// implementation backing anomaly events, correlated groups, webhook
// subscriptions, and webhook deliveries.
//
// Schema (BoltDB bucket layout):
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
//	/anomaly_events/<connectionId>
//	    key:   fixed-width RFC3339 timestamp + "_" + event id  [sortable]
//	    value: JSON-encoded model.AnomalyEvent
//
//	/correlated_groups/<connectionId>
//	    key:   fixed-width RFC3339 timestamp + "_" + correlationId  [sortable]
//	    value: JSON-encoded model.CorrelatedGroup
//
//	/webhooks
//	    key:   webhook id
//	    value: JSON-encoded model.Webhook (unmasked — masking happens at
//	           the API boundary, never in storage)
//
//	/deliveries/<connectionId>
//	    key:   fixed-width RFC3339 timestamp + "_" + delivery id  [sortable]
//	    value: JSON-encoded model.WebhookDelivery
//
// connectionId scoping is enforced by nesting a sub-bucket per
// connectionId under anomaly_events, correlated_groups, and deliveries:
// a lookup for connection A can never observe connection B's rows,
// since it never opens B's sub-bucket.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Anomaly events, correlated groups, and deliveries older than
//     RetentionDays are pruned on startup and periodically by the
//     daemon's retention goroutine (every 6 hours).
//   - Webhook subscriptions are never automatically pruned (operator
//     action required, via DeleteWebhook).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The daemon logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The daemon logs the
//     error and continues without persisting (in-memory state preserved).

package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sentineld/sentineld/internal/model"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default retention period.
	DefaultRetentionDays = 30

	bucketMeta             = "meta"
	bucketAnomalyEvents    = "anomaly_events"
	bucketCorrelatedGroups = "correlated_groups"
	bucketWebhooks         = "webhooks"
	bucketDeliveries       = "deliveries"
)

// Store is the Storage Port: the persistence boundary every other
// subsystem depends on by interface, never by concrete type, so tests
// can substitute an in-memory fake.
type Store interface {
	SaveAnomalyEvent(evt model.AnomalyEvent) error
	// GetAnomalyEvents returns events for connectionID with Timestamp >=
	// since, most recent first, bounded by limit (0 = unbounded).
	// connectionID == "" is unfiltered: events from every connection are
	// merged and sorted together.
	GetAnomalyEvents(connectionID string, since int64, limit int) ([]model.AnomalyEvent, error)
	ResolveAnomaly(connectionID, eventID string, resolvedAt int64) error
	ClearResolvedAnomalyEvents(connectionID string) (int, error)

	SaveCorrelatedGroup(grp model.CorrelatedGroup) error
	// GetCorrelatedGroups returns groups for connectionID with Timestamp
	// >= since, most recent first, bounded by limit (0 = unbounded).
	// connectionID == "" is unfiltered across every connection.
	GetCorrelatedGroups(connectionID string, since int64, limit int) ([]model.CorrelatedGroup, error)

	CreateWebhook(wh model.Webhook) error
	ListWebhooks() ([]model.Webhook, error)
	GetWebhook(id string) (*model.Webhook, error)
	GetWebhooksByEvent(eventKind, connectionID string) ([]model.Webhook, error)
	UpdateWebhook(wh model.Webhook) error
	DeleteWebhook(id string) error

	CreateDelivery(d model.WebhookDelivery) error
	GetDelivery(connectionID, id string) (*model.WebhookDelivery, error)
	UpdateDelivery(d model.WebhookDelivery) error
	GetRetriableDeliveries(now int64) ([]model.WebhookDelivery, error)
	GetDeliveriesByWebhook(webhookID string, limit, offset int) ([]model.WebhookDelivery, error)
	GetDeadLetterDeliveries() ([]model.WebhookDelivery, error)

	PruneOldAnomalyEvents(retentionDays int) (int, error)
	PruneOldCorrelatedGroups(retentionDays int) (int, error)
	PruneOldDeliveries(retentionDays int) (int, error)

	Close() error
}

// DB wraps a BoltDB instance with typed accessors for sentineld data.
// Implements Store.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

var _ Store = (*DB)(nil)

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required top-level buckets and verifies the schema
// version. Returns an error if the database is corrupt or the schema
// is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketMeta, bucketAnomalyEvents, bucketCorrelatedGroups, bucketWebhooks, bucketDeliveries} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── key helpers ──────────────────────────────────────────────────────────

// sortableKey constructs a lexicographically sortable key from an
// epoch-ms timestamp and an id suffix. Lexicographic sort = chronological
// sort because the timestamp is rendered in UTC with keyTimeLayout's
// fixed-width fraction (RFC3339Nano drops trailing zeros, which would
// sort a whole second after its own fractions).
func sortableKey(tsMs int64, id string) []byte {
	t := time.UnixMilli(tsMs).UTC()
	return []byte(fmt.Sprintf("%s_%s", t.Format(keyTimeLayout), id))
}

// keyTimeLayout is RFC3339 with a zero-padded nanosecond fraction.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// connectionBucket opens (creating if absent) the per-connection
// sub-bucket nested under parent, enforcing connectionId isolation: a
// caller holding only a connectionId can never see another
// connection's rows, because every read/write goes through this bucket.
func connectionBucket(tx *bolt.Tx, parent, connectionID string) (*bolt.Bucket, error) {
	p := tx.Bucket([]byte(parent))
	return p.CreateBucketIfNotExists([]byte(connectionID))
}

// ─── Anomaly event operations ──────────────────────────────────────────────

// SaveAnomalyEvent persists a new or updated anomaly event, scoped
// under its ConnectionID.
func (d *DB) SaveAnomalyEvent(evt model.AnomalyEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("SaveAnomalyEvent marshal: %w", err)
	}
	key := sortableKey(evt.Timestamp, evt.ID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketAnomalyEvents, evt.ConnectionID)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetAnomalyEvents returns events for connectionID with Timestamp >=
// since, most recent first, bounded by limit (0 = unbounded). An empty
// connectionID aggregates across every connection's sub-bucket instead
// of scoping to one (spec §6 Storage Port: connectionId is optional on
// every read).
func (d *DB) GetAnomalyEvents(connectionID string, since int64, limit int) ([]model.AnomalyEvent, error) {
	if connectionID != "" {
		var out []model.AnomalyEvent
		err := d.db.View(func(tx *bolt.Tx) error {
			parent := tx.Bucket([]byte(bucketAnomalyEvents))
			b := parent.Bucket([]byte(connectionID))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				var evt model.AnomalyEvent
				if err := json.Unmarshal(v, &evt); err != nil {
					return fmt.Errorf("GetAnomalyEvents unmarshal %q: %w", k, err)
				}
				if evt.Timestamp < since {
					break
				}
				out = append(out, evt)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
			return nil
		})
		return out, err
	}

	var all []model.AnomalyEvent
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketAnomalyEvents))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested (per-connection) bucket
			}
			b := parent.Bucket(name)
			return b.ForEach(func(k, v []byte) error {
				var evt model.AnomalyEvent
				if err := json.Unmarshal(v, &evt); err != nil {
					return fmt.Errorf("GetAnomalyEvents unmarshal %q: %w", k, err)
				}
				if evt.Timestamp >= since {
					all = append(all, evt)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ResolveAnomaly marks an anomaly event as resolved in place.
func (d *DB) ResolveAnomaly(connectionID, eventID string, resolvedAt int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketAnomalyEvents, connectionID)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var evt model.AnomalyEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			if evt.ID != eventID {
				continue
			}
			evt.Resolved = true
			evt.ResolvedAt = resolvedAt
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
		return fmt.Errorf("ResolveAnomaly: event %q not found for connection %q", eventID, connectionID)
	})
}

// ClearResolvedAnomalyEvents deletes every resolved event for
// connectionID, returning the count removed.
func (d *DB) ClearResolvedAnomalyEvents(connectionID string) (int, error) {
	cleared := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketAnomalyEvents, connectionID)
		if err != nil {
			return err
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var evt model.AnomalyEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			if evt.Resolved {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	return cleared, err
}

// ─── Correlated group operations ───────────────────────────────────────────

// SaveCorrelatedGroup persists a correlated group, scoped under its
// ConnectionID.
func (d *DB) SaveCorrelatedGroup(grp model.CorrelatedGroup) error {
	data, err := json.Marshal(grp)
	if err != nil {
		return fmt.Errorf("SaveCorrelatedGroup marshal: %w", err)
	}
	key := sortableKey(grp.Timestamp, grp.CorrelationID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketCorrelatedGroups, grp.ConnectionID)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetCorrelatedGroups returns groups for connectionID with Timestamp >=
// since, most recent first, bounded by limit (0 = unbounded). An empty
// connectionID aggregates across every connection's sub-bucket (spec §6
// Storage Port: connectionId is optional on every read).
func (d *DB) GetCorrelatedGroups(connectionID string, since int64, limit int) ([]model.CorrelatedGroup, error) {
	if connectionID != "" {
		var out []model.CorrelatedGroup
		err := d.db.View(func(tx *bolt.Tx) error {
			parent := tx.Bucket([]byte(bucketCorrelatedGroups))
			b := parent.Bucket([]byte(connectionID))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				var grp model.CorrelatedGroup
				if err := json.Unmarshal(v, &grp); err != nil {
					return fmt.Errorf("GetCorrelatedGroups unmarshal %q: %w", k, err)
				}
				if grp.Timestamp < since {
					break
				}
				out = append(out, grp)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
			return nil
		})
		return out, err
	}

	var all []model.CorrelatedGroup
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketCorrelatedGroups))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested (per-connection) bucket
			}
			b := parent.Bucket(name)
			return b.ForEach(func(k, v []byte) error {
				var grp model.CorrelatedGroup
				if err := json.Unmarshal(v, &grp); err != nil {
					return fmt.Errorf("GetCorrelatedGroups unmarshal %q: %w", k, err)
				}
				if grp.Timestamp >= since {
					all = append(all, grp)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ─── Webhook operations ────────────────────────────────────────────────────

// CreateWebhook inserts a new webhook subscription. The secret is
// stored unmasked; masking happens only at the API response boundary.
func (d *DB) CreateWebhook(wh model.Webhook) error {
	data, err := json.Marshal(wh)
	if err != nil {
		return fmt.Errorf("CreateWebhook marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		return b.Put([]byte(wh.ID), data)
	})
}

// ListWebhooks returns every webhook subscription, enabled or not.
func (d *DB) ListWebhooks() ([]model.Webhook, error) {
	var out []model.Webhook
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		return b.ForEach(func(_, v []byte) error {
			var wh model.Webhook
			if err := json.Unmarshal(v, &wh); err != nil {
				return err
			}
			out = append(out, wh)
			return nil
		})
	})
	return out, err
}

// GetWebhook retrieves a webhook by id. Returns (nil, nil) if absent.
func (d *DB) GetWebhook(id string) (*model.Webhook, error) {
	var wh model.Webhook
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wh)
	})
	if err != nil {
		return nil, fmt.Errorf("GetWebhook(%q): %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &wh, nil
}

// GetWebhooksByEvent returns enabled webhooks subscribed to eventKind
// that either have no ConnectionID scope (fleet-wide) or match
// connectionID exactly.
func (d *DB) GetWebhooksByEvent(eventKind, connectionID string) ([]model.Webhook, error) {
	var out []model.Webhook
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		return b.ForEach(func(_, v []byte) error {
			var wh model.Webhook
			if err := json.Unmarshal(v, &wh); err != nil {
				return err
			}
			if !wh.Enabled {
				return nil
			}
			if wh.ConnectionID != "" && wh.ConnectionID != connectionID {
				return nil
			}
			for _, e := range wh.Events {
				if e == eventKind || e == "*" {
					out = append(out, wh)
					break
				}
			}
			return nil
		})
	})
	return out, err
}

// UpdateWebhook overwrites an existing webhook subscription.
func (d *DB) UpdateWebhook(wh model.Webhook) error {
	data, err := json.Marshal(wh)
	if err != nil {
		return fmt.Errorf("UpdateWebhook marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		if b.Get([]byte(wh.ID)) == nil {
			return fmt.Errorf("UpdateWebhook: %q not found", wh.ID)
		}
		return b.Put([]byte(wh.ID), data)
	})
}

// DeleteWebhook removes a webhook subscription. Idempotent.
func (d *DB) DeleteWebhook(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWebhooks))
		return b.Delete([]byte(id))
	})
}

// ─── Delivery operations ───────────────────────────────────────────────────

// CreateDelivery persists a new delivery attempt record, scoped under
// its ConnectionID.
func (d *DB) CreateDelivery(del model.WebhookDelivery) error {
	data, err := json.Marshal(del)
	if err != nil {
		return fmt.Errorf("CreateDelivery marshal: %w", err)
	}
	key := sortableKey(del.CreatedAt, del.ID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketDeliveries, del.ConnectionID)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetDelivery retrieves one delivery record by id, scoped to
// connectionID. Returns (nil, nil) if absent.
func (d *DB) GetDelivery(connectionID, id string) (*model.WebhookDelivery, error) {
	var found *model.WebhookDelivery
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketDeliveries))
		b := parent.Bucket([]byte(connectionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var del model.WebhookDelivery
			if err := json.Unmarshal(v, &del); err != nil {
				return err
			}
			if del.ID == id {
				found = &del
				return nil
			}
		}
		return nil
	})
	return found, err
}

// UpdateDelivery overwrites a delivery record in place, scoped to its
// ConnectionID.
func (d *DB) UpdateDelivery(del model.WebhookDelivery) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := connectionBucket(tx, bucketDeliveries, del.ConnectionID)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var existing model.WebhookDelivery
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.ID != del.ID {
				continue
			}
			data, err := json.Marshal(del)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
		return fmt.Errorf("UpdateDelivery: %q not found for connection %q", del.ID, del.ConnectionID)
	})
}

// GetRetriableDeliveries scans every connection's delivery bucket for
// records in DeliveryRetrying status whose NextRetryAt has elapsed.
// Bounded by the total delivery volume; acceptable at sentineld's
// expected scale (tens of subscribers, not millions of deliveries).
func (d *DB) GetRetriableDeliveries(now int64) ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketDeliveries))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested (per-connection) bucket
			}
			b := parent.Bucket(name)
			return b.ForEach(func(_, v []byte) error {
				var del model.WebhookDelivery
				if err := json.Unmarshal(v, &del); err != nil {
					return err
				}
				if del.Status == model.DeliveryRetrying && del.NextRetryAt != 0 && del.NextRetryAt <= now {
					out = append(out, del)
				}
				return nil
			})
		})
	})
	return out, err
}

// GetDeliveriesByWebhook returns every delivery attempt for webhookID
// across all connections, most recent first, paginated by limit/offset
// (limit 0 = unbounded).
func (d *DB) GetDeliveriesByWebhook(webhookID string, limit, offset int) ([]model.WebhookDelivery, error) {
	var all []model.WebhookDelivery
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketDeliveries))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested (per-connection) bucket
			}
			b := parent.Bucket(name)
			c := b.Cursor()
			for k, v := c.Last(); k != nil; k, v = c.Prev() {
				var del model.WebhookDelivery
				if err := json.Unmarshal(v, &del); err != nil {
					return fmt.Errorf("GetDeliveriesByWebhook unmarshal %q: %w", k, err)
				}
				if del.WebhookID == webhookID {
					all = append(all, del)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetDeadLetterDeliveries returns every delivery currently in a
// terminal failed state across all connections (spec §4.G's DLQ view).
func (d *DB) GetDeadLetterDeliveries() ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	err := d.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketDeliveries))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			b := parent.Bucket(name)
			return b.ForEach(func(_, v []byte) error {
				var del model.WebhookDelivery
				if err := json.Unmarshal(v, &del); err != nil {
					return err
				}
				if del.Status == model.DeliveryFailed {
					out = append(out, del)
				}
				return nil
			})
		})
	})
	return out, err
}

// ─── Retention / pruning ───────────────────────────────────────────────────

// PruneOldAnomalyEvents deletes anomaly events older than retentionDays
// across every connection. retentionDays <= 0 uses the DB's configured
// default. Returns the number of entries deleted.
func (d *DB) PruneOldAnomalyEvents(retentionDays int) (int, error) {
	return d.pruneBucket(bucketAnomalyEvents, retentionDays)
}

// PruneOldCorrelatedGroups deletes correlated groups older than
// retentionDays across every connection.
func (d *DB) PruneOldCorrelatedGroups(retentionDays int) (int, error) {
	return d.pruneBucket(bucketCorrelatedGroups, retentionDays)
}

// PruneOldDeliveries deletes delivery records older than retentionDays
// across every connection.
func (d *DB) PruneOldDeliveries(retentionDays int) (int, error) {
	return d.pruneBucket(bucketDeliveries, retentionDays)
}

func (d *DB) pruneBucket(bucketName string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = d.retentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	cutoffPrefix := cutoff.Format(keyTimeLayout)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketName))
		return parent.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil // not a nested (per-connection) bucket
			}
			b := parent.Bucket(name)
			c := b.Cursor()

			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= cutoffPrefix {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("pruneBucket(%s) delete: %w", bucketName, err)
				}
				deleted++
			}
			return nil
		})
	})
	return deleted, err
}
