package apiversion

// Direction is the way a payload travels through the migration chain.
type Direction int

const (
	// Up transforms an older request shape into the current shape.
	Up Direction = iota
	// Down transforms the current response shape into an older shape.
	Down
)

// String returns a string representation for a direction.
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Migration is a reversible payload transformation introduced at a
// particular API version. Up receives a payload in the shape that preceded
// Version and returns it in the shape as of Version; Down does the reverse.
//
// Implementations must be stateless: the same Migration is shared by every
// in-flight request.
type Migration interface {
	Version() Tag
	Name() string
	Up(payload []byte) ([]byte, error)
	Down(payload []byte) ([]byte, error)
}

// TransformFunc rewrites a payload.
type TransformFunc func(payload []byte) ([]byte, error)

type funcMigration struct {
	version Tag
	name    string
	up      TransformFunc
	down    TransformFunc
}

// NewMigration builds a Migration out of a pair of functions. A nil
// function leaves the payload untouched in that direction.
func NewMigration(version Tag, name string, up, down TransformFunc) Migration {
	return &funcMigration{
		version: version,
		name:    name,
		up:      up,
		down:    down,
	}
}

func (m *funcMigration) Version() Tag { return m.version }

func (m *funcMigration) Name() string { return m.name }

func (m *funcMigration) Up(payload []byte) ([]byte, error) {
	if m.up == nil {
		return payload, nil
	}
	return m.up(payload)
}

func (m *funcMigration) Down(payload []byte) ([]byte, error) {
	if m.down == nil {
		return payload, nil
	}
	return m.down(payload)
}
