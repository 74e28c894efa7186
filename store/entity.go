package store

import "github.com/tailored-agentic-units/replica/crdt"

// Entity is a record held in a backing store. Fields carry the record's
// payload; Placeholder marks an entity synthesized for a reference whose
// backing record has not arrived yet.
type Entity struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields,omitempty"`
	Placeholder bool           `json:"placeholder,omitempty"`
}

func (e Entity) ReferenceID() string { return e.ID }

// Provisional lets a real entity win over a placeholder at the same version.
func (e Entity) Provisional() bool { return e.Placeholder }

// EntityKey is where a backing store keeps the body of entity id written at
// version. Every write gets its own key, so a body only becomes visible once
// a reference carrying the same version commits.
func EntityKey(id string, version crdt.VersionMap) string {
	return id + "@" + version.String()
}

// Reference points from a container to an entity in a backing store. Version
// selects which written body of the entity the reference resolves to.
type Reference struct {
	ID         string          `json:"id"`
	StorageKey string          `json:"storageKey"`
	Version    crdt.VersionMap `json:"version,omitempty"`
}

func (r Reference) ReferenceID() string { return r.ID }

// Shorthands for the shapes a reference-mode store works with.
type (
	EntityCollection    = crdt.CollectionData[Entity]
	EntityOperation     = crdt.CollectionOperation[Entity]
	ReferenceCollection = crdt.CollectionData[Reference]
	ReferenceOperation  = crdt.CollectionOperation[Reference]
	EntityMap           = crdt.MapData[Entity]
	EntityPut           = crdt.MapOperation[Entity]
)
