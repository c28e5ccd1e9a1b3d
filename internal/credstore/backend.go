// Package credstore persists tenant credential blobs and settings to a
// durable object store and keeps a short-lived in-process copy of each.
package credstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Backend is a flat, versioned object store. Version tokens are opaque.
//
// Put with an empty version creates the object and fails with
// [domain.ErrVersionConflict] if it already exists. Put with a non-empty
// version succeeds only if the stored object still carries that version.
// Get and Delete return [domain.ErrNotFound] for missing objects.
type Backend interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, name string) ([]byte, string, error)
	Put(ctx context.Context, name string, data []byte, version string) (string, error)
	Delete(ctx context.Context, name string) error
}

const (
	credsPrefix  = "creds_"
	configPrefix = "config_"
	objectSuffix = ".json"
)

type credsObject struct {
	name    string
	tenant  string
	savedAt int64
}

func (a *Adapter) credsName(id string, at time.Time) string {
	return a.prefix + credsPrefix + id + "_" + strconv.FormatInt(at.UnixMilli(), 10) + objectSuffix
}

func (a *Adapter) credsListPrefix(id string) string {
	return a.prefix + credsPrefix + id + "_"
}

func (a *Adapter) configName(id string) string {
	return a.prefix + configPrefix + id + objectSuffix
}

// parseCredsName extracts the tenant id and save timestamp from a full
// object name of the form <prefix>creds_<id>_<unixMillis>.json.
func parseCredsName(prefix, name string) (credsObject, bool) {
	base, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return credsObject{}, false
	}
	base, ok = strings.CutPrefix(base, credsPrefix)
	if !ok {
		return credsObject{}, false
	}
	base, ok = strings.CutSuffix(base, objectSuffix)
	if !ok {
		return credsObject{}, false
	}
	idx := strings.LastIndexByte(base, '_')
	if idx <= 0 || idx == len(base)-1 {
		return credsObject{}, false
	}
	ts, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return credsObject{}, false
	}
	return credsObject{name: name, tenant: base[:idx], savedAt: ts}, true
}

// newestFirst sorts credential objects by save time, newest first. Ties are
// broken by name so the order is deterministic.
func newestFirst(objs []credsObject) {
	sort.Slice(objs, func(i, j int) bool {
		if objs[i].savedAt != objs[j].savedAt {
			return objs[i].savedAt > objs[j].savedAt
		}
		return objs[i].name > objs[j].name
	})
}
