package action

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Recognized ActionDescription keys (spec section 3).
const (
	KeyName          = "name"
	KeyDatabase      = "database"
	KeyCollection    = "collection"
	KeyShard         = "shard"
	KeyTheLeader     = "theLeader"
	KeyServerID      = "serverId"
	KeyShardVersion  = "shardVersion"
	KeyForcedResync  = "forcedResync"
	KeySyncByRevision = "syncByRevision"
	KeyFastTrackFlag = "fastTrack"
)

// Kind is the recognized value of the "name" key: the action's concrete type.
type Kind string

const (
	KindCreateDatabase        Kind = "CreateDatabase"
	KindDropDatabase          Kind = "DropDatabase"
	KindCreateCollection      Kind = "CreateCollection"
	KindUpdateCollection      Kind = "UpdateCollection"
	KindDropCollection        Kind = "DropCollection"
	KindEnsureIndex           Kind = "EnsureIndex"
	KindDropIndex             Kind = "DropIndex"
	KindSynchronizeShard      Kind = "SynchronizeShard"
	KindResignShardLeadership Kind = "ResignShardLeadership"
)

// Properties is a structured document attached to an ActionDescription in
// addition to its flat string parameters (e.g. planned index definitions,
// planned collection properties).
type Properties map[string]any

// Description is an immutable identity plus parameters for one unit of
// maintenance work. Two descriptions are equal iff their parameter maps are
// equal; their hash is a stable hash of that map (spec section 3).
type Description struct {
	params              map[string]string
	properties          Properties
	priority            int
	runEvenIfDuplicate  bool
}

// NewDescription builds a Description from its flat parameters. priority
// must be one of the constants in priority.go; runEvenIfDuplicate
// corresponds to the description flag of the same name.
func NewDescription(params map[string]string, properties Properties, priority int, runEvenIfDuplicate bool) Description {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Description{
		params:             cp,
		properties:         properties,
		priority:           priority,
		runEvenIfDuplicate: runEvenIfDuplicate,
	}
}

// Name returns the required "name" key, i.e. the action kind.
func (d Description) Name() Kind {
	return Kind(d.params[KeyName])
}

// Get returns the value for key and whether it was present.
func (d Description) Get(key string) (string, bool) {
	v, ok := d.params[key]
	return v, ok
}

// MustGet returns the value for key or "" if absent.
func (d Description) MustGet(key string) string {
	return d.params[key]
}

// Has reports whether key is present.
func (d Description) Has(key string) bool {
	_, ok := d.params[key]
	return ok
}

// Priority returns the description's priority.
func (d Description) Priority() int {
	return d.priority
}

// Properties returns the structured properties document, possibly nil.
func (d Description) Properties() Properties {
	return d.properties
}

// IsRunEvenIfDuplicate reports the runEvenIfDuplicate flag.
func (d Description) IsRunEvenIfDuplicate() bool {
	return d.runEvenIfDuplicate
}

// IsFastTrack reports whether the description carries the fastTrack label.
func (d Description) IsFastTrack() bool {
	return d.Has(KeyFastTrackFlag)
}

// Equal reports whether two descriptions have identical parameter maps.
// Equality (for duplicate suppression) never considers properties or
// priority, matching the teacher domain's hash-of-parameters-only rule.
func (d Description) Equal(other Description) bool {
	if len(d.params) != len(other.params) {
		return false
	}
	for k, v := range d.params {
		if ov, ok := other.params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Hash returns a stable hash of the parameter map, independent of insertion
// order. Two equal descriptions always hash equally.
func (d Description) Hash() uint64 {
	keys := make([]string, 0, len(d.params))
	for k := range d.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.params[k])
		b.WriteByte('\x1f')
	}
	return xxhash.Sum64String(b.String())
}

// Rescheduled returns a copy of d at a new priority, flagged
// runEvenIfDuplicate so it is admitted past the still-live original it was
// rescheduled from (the two hash identically: Hash ignores priority).
func (d Description) Rescheduled(priority int) Description {
	cp := d.Clone()
	cp.priority = priority
	cp.runEvenIfDuplicate = true
	return cp
}

// Clone returns a deep-enough copy (parameter map copied; properties shared).
func (d Description) Clone() Description {
	cp := make(map[string]string, len(d.params))
	for k, v := range d.params {
		cp[k] = v
	}
	return Description{
		params:             cp,
		properties:         d.properties,
		priority:           d.priority,
		runEvenIfDuplicate: d.runEvenIfDuplicate,
	}
}

// ToStructured renders the description as a plain map suitable for JSON
// encoding on the admin REST surface.
func (d Description) ToStructured() map[string]any {
	out := make(map[string]any, len(d.params)+2)
	for k, v := range d.params {
		out[k] = v
	}
	if d.properties != nil {
		out["properties"] = d.properties
	}
	out["priority"] = d.priority
	if d.runEvenIfDuplicate {
		out["runEvenIfDuplicate"] = true
	}
	return out
}
