package core

// TaskStack is a LIFO of tasks. The top is the only active task. It is not
// safe for concurrent use; Provider guards it.
type TaskStack struct {
	tasks  []Task
	popped map[string]struct{}
}

func NewTaskStack() *TaskStack {
	return &TaskStack{popped: make(map[string]struct{})}
}

// Push adds t on top. A task already on the stack or popped earlier is rejected.
func (s *TaskStack) Push(t Task) error {
	if s.IndexOf(t.ID()) >= 0 {
		return ErrTaskReused
	}
	if _, ok := s.popped[t.ID()]; ok {
		return ErrTaskReused
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Pop removes and returns the top task, or nil when empty.
func (s *TaskStack) Pop() Task {
	if len(s.tasks) == 0 {
		return nil
	}
	last := len(s.tasks) - 1
	t := s.tasks[last]
	s.tasks[last] = nil
	s.tasks = s.tasks[:last]
	s.popped[t.ID()] = struct{}{}
	return t
}

// Top returns the active task, or nil.
func (s *TaskStack) Top() Task {
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

func (s *TaskStack) Len() int {
	return len(s.tasks)
}

// IDs returns task ids bottom to top.
func (s *TaskStack) IDs() []string {
	ids := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		ids[i] = t.ID()
	}
	return ids
}

func (s *TaskStack) IndexOf(id string) int {
	for i, t := range s.tasks {
		if t.ID() == id {
			return i
		}
	}
	return -1
}

// Get looks a task up by id; parents are referenced by id only.
func (s *TaskStack) Get(id string) Task {
	if i := s.IndexOf(id); i >= 0 {
		return s.tasks[i]
	}
	return nil
}

// WasPopped reports whether id left this stack.
func (s *TaskStack) WasPopped(id string) bool {
	_, ok := s.popped[id]
	return ok
}
