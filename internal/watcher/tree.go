package watcher

// watchTree maps watch descriptors to the directories they were registered
// for. It is owned by the watch loop goroutine. Entries are never removed;
// deletions are only logged.
type watchTree struct {
	paths map[int32]string
}

func newWatchTree() *watchTree {
	return &watchTree{paths: make(map[int32]string)}
}

func (t *watchTree) add(wd int32, dir string) {
	t.paths[wd] = dir
}

func (t *watchTree) path(wd int32) (string, bool) {
	p, ok := t.paths[wd]
	return p, ok
}

func (t *watchTree) len() int {
	return len(t.paths)
}
