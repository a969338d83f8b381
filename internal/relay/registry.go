package relay

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Role string

const (
	RoleMachine Role = "machine"
	RoleViewer  Role = "viewer"
)

// Conn is the handle for one open socket. The registry keeps a back-reference
// to the writer plus attached metadata; it never owns the socket and must not
// be the last thing holding it after close.
type Conn struct {
	writer Writer
}

func NewConn(w Writer) *Conn {
	return &Conn{writer: w}
}

// Meta is the side-table entry attached to a connection at registration time.
type Meta struct {
	Role        Role
	MachineID   string
	MachineName string
	UserID      string
}

type entry struct {
	conn *Conn
	meta Meta
}

// registry indexes the open sockets of a single endpoint. It is owned by the
// endpoint's actor and only touched under the actor mutex.
type registry struct {
	conns map[*Conn]Meta
}

func newRegistry() *registry {
	return &registry{conns: make(map[*Conn]Meta)}
}

func (r *registry) add(c *Conn, meta Meta) {
	r.conns[c] = meta
}

// remove is idempotent: close and error can both fire for the same socket,
// and only the first removal reports the metadata back.
func (r *registry) remove(c *Conn) (Meta, bool) {
	meta, ok := r.conns[c]
	if ok {
		delete(r.conns, c)
	}
	return meta, ok
}

func (r *registry) lookup(c *Conn) (Meta, bool) {
	meta, ok := r.conns[c]
	return meta, ok
}

// machines returns a stable snapshot so broadcast loops never iterate the
// live map while it could be mutated.
func (r *registry) machines() []entry {
	return r.snapshot(RoleMachine)
}

func (r *registry) viewers() []entry {
	return r.snapshot(RoleViewer)
}

func (r *registry) snapshot(role Role) []entry {
	result := make([]entry, 0, len(r.conns))
	for c, meta := range r.conns {
		if meta.Role == role {
			result = append(result, entry{conn: c, meta: meta})
		}
	}
	return result
}

func (r *registry) size() int {
	return len(r.conns)
}
