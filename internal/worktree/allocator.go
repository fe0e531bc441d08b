package worktree

// Allocator provisions worktrees for sessions whose project roots differ.
// The resolve function maps a session id to its workspace path.
type Allocator struct {
	resolve func(sessionID string) (string, error)
	dir     string
}

func NewAllocator(resolve func(sessionID string) (string, error), dir string) *Allocator {
	return &Allocator{resolve: resolve, dir: dir}
}

func (a *Allocator) manager(sessionID string) (*Manager, error) {
	root, err := a.resolve(sessionID)
	if err != nil {
		return nil, err
	}
	return NewManagerDir(root, a.dir), nil
}

func (a *Allocator) Provision(sessionID string, instanceID int) (string, string, error) {
	m, err := a.manager(sessionID)
	if err != nil {
		return "", "", err
	}
	return m.Provision(sessionID, instanceID)
}

func (a *Allocator) Remove(sessionID string, instanceID int) error {
	m, err := a.manager(sessionID)
	if err != nil {
		return err
	}
	return m.Remove(sessionID, instanceID)
}

func (a *Allocator) Stats(worktreePath string) (Stats, error) {
	// Stats runs inside the worktree itself; any manager will do.
	return NewManager("").Stats(worktreePath)
}
