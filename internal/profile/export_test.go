package profile

import (
	"os/user"
	"time"
)

var (
	TopologyFromRemotes = topologyFromRemotes
	RemoteOwner         = remoteOwner
)

func (p *Profiler) SetEnvironment(getenv func(string) string, current func() (*user.User, error)) {
	p.getenv = getenv
	p.currentUser = current
}

func (p *Profiler) SetClock(now func() time.Time) {
	p.now = now
}
