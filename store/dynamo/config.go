package dynamo

// Config holds configuration for the Store.
type Config struct {
	// EntityTable is the name of the entity table (partition key "entity_ref").
	// Default: "lattice_entities"
	EntityTable string

	// LinkTable is the name of the link table (partition key "pk", sort key "sk").
	// Default: "lattice_links"
	LinkTable string

	// MemberIndex is the link table GSI keyed by "member_key" / "owner".
	// Default: "member-index"
	MemberIndex string

	// NumShards is the number of shards per owner in the link table.
	// Higher values increase write throughput for owners with many members
	// but require more parallel queries to list them.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		EntityTable: "lattice_entities",
		LinkTable:   "lattice_links",
		MemberIndex: "member-index",
		NumShards:   1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.EntityTable == "" {
		c.EntityTable = d.EntityTable
	}
	if c.LinkTable == "" {
		c.LinkTable = d.LinkTable
	}
	if c.MemberIndex == "" {
		c.MemberIndex = d.MemberIndex
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}
