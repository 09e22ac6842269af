package service

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// findByName scans the process table for processes whose executable name
// matches, capturing each creation time for later identity checks.
func findByName(name string) []Pid {
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil
	}
	var out []Pid
	for _, p := range procs {
		n, err := p.Name()
		if err != nil || n != name {
			continue
		}
		ct, _ := p.CreateTime()
		out = append(out, Pid{Pid: int(p.Pid), CreateTime: ct})
	}
	return out
}

// pidIdentityMatches reports whether the process addressed by p still has
// the creation time recorded at resolution time. A mismatch means the pid
// has been recycled for an unrelated process.
func pidIdentityMatches(p Pid) bool {
	gp, err := gopsproc.NewProcess(int32(p.Pid))
	if err != nil {
		return false
	}
	if p.CreateTime == 0 {
		return true
	}
	ct, err := gp.CreateTime()
	if err != nil {
		return false
	}
	return ct == p.CreateTime
}
