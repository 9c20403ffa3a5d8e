package supervisor

import "fmt"

// ExitKind classifies a child exit code.
type ExitKind int

const (
	// ExitClean is the fixed shutdown code: no respawn, the proxy stops.
	ExitClean ExitKind = iota
	// ExitRestart is the reserved sentinel code for a child-initiated restart.
	ExitRestart
	// ExitCrash is any other exit code.
	ExitCrash
)

// ExitClass is the classified result of one child termination.
type ExitClass struct {
	Kind ExitKind
	Code int
}

func (c ExitClass) String() string {
	switch c.Kind {
	case ExitClean:
		return fmt.Sprintf("clean (code %d)", c.Code)
	case ExitRestart:
		return fmt.Sprintf("intentional restart (code %d)", c.Code)
	default:
		return fmt.Sprintf("crash (code %d)", c.Code)
	}
}

// Classify maps an exit code onto the fixed classification table. If the
// clean and restart codes collide, clean wins; the flag surface rejects that
// configuration before a supervisor is ever built.
func Classify(code, cleanCode, restartCode int) ExitClass {
	switch code {
	case cleanCode:
		return ExitClass{Kind: ExitClean, Code: code}
	case restartCode:
		return ExitClass{Kind: ExitRestart, Code: code}
	default:
		return ExitClass{Kind: ExitCrash, Code: code}
	}
}
