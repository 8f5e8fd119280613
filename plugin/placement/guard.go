package placement

import "os"

// DisableOffloadEnv forces every placement decision to the hot tier when set to "1".
const DisableOffloadEnv = "LMCACHE_DISABLE_OFFLOAD"

// OffloadGuard reports whether offloading below the hot tier is disabled.
type OffloadGuard interface {
	OffloadDisabled() bool
}

// EnvGuard reads an environment variable on every call, so toggling it takes
// effect without a restart.
type EnvGuard struct {
	Var string
}

// NewEnvGuard returns a guard over DisableOffloadEnv.
func NewEnvGuard() EnvGuard {
	return EnvGuard{Var: DisableOffloadEnv}
}

func (g EnvGuard) OffloadDisabled() bool {
	name := g.Var
	if name == "" {
		name = DisableOffloadEnv
	}
	return os.Getenv(name) == "1"
}

// StaticGuard is a fixed answer.
type StaticGuard bool

func (g StaticGuard) OffloadDisabled() bool {
	return bool(g)
}
