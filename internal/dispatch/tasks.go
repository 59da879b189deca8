package dispatch

// BuildTasks materializes total tasks with sequential ids starting at 1. Each
// task draws its device profile once, here.
func BuildTasks(total int, filter DeviceType, profiles ProfileProvider) []*Task {
	if total < 0 {
		total = 0
	}
	if profiles == nil {
		profiles = blankProfiles{}
	}
	tasks := make([]*Task, total)
	for i := range tasks {
		tasks[i] = &Task{
			ID:      i + 1,
			Profile: profiles.RandomProfile(filter),
			Status:  StatusPending,
		}
	}
	return tasks
}

// chunk splits tasks into consecutive groups of size n; the last may be shorter.
func chunk(tasks []*Task, n int) [][]*Task {
	if n < 1 {
		n = 1
	}
	out := make([][]*Task, 0, (len(tasks)+n-1)/n)
	for start := 0; start < len(tasks); start += n {
		end := min(start+n, len(tasks))
		out = append(out, tasks[start:end])
	}
	return out
}
