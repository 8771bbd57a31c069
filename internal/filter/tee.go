package filter

import "log"

// BranchSession is the minimal surface a Tee filter needs from the "local
// client" session it opens against its target (spec.md §4.6 "Tee
// (branch)"). The concrete implementation (dbBranchSession in build.go,
// backed by a pooled backend connection) is supplied through
// TeeConfig.Dial; the filter only needs to forward and wait.
type BranchSession interface {
	Forward(req Request) error
	WaitReply() (Reply, error)
	Close()
}

// TeeConfig configures the tee/branch filter.
type TeeConfig struct {
	Target string
	Sync   bool
	Dial   func(target string) (BranchSession, error)
}

// Tee forwards a copy of every request (no match/exclude filtering is
// applied) to a branch session opened against Target, per spec.md §4.6.
// When Sync is true, the branch reply must complete before the request
// continues down the pipeline, and a branch dial, forward or reply failure
// is returned as an error: the session answers that request with an ERR
// packet and stays open. When false, the branch is best-effort.
type Tee struct {
	cfg TeeConfig
}

// NewTee creates a Tee filter.
func NewTee(cfg TeeConfig) *Tee { return &Tee{cfg: cfg} }

func (f *Tee) Name() string { return "tee" }

const teeSessionKey = "tee.session"

func (f *Tee) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	branch, _ := session.Get(teeSessionKey).(BranchSession)
	if branch == nil {
		b, err := f.cfg.Dial(f.cfg.Target)
		if err != nil {
			log.Printf("[filter tee] failed to dial branch target %s: %v", f.cfg.Target, err)
			if f.cfg.Sync {
				return req, false, err
			}
			return req, false, nil
		}
		branch = b
		session.Set(teeSessionKey, branch)
	}

	clone := Request{Command: req.Command, Payload: append([]byte(nil), req.Payload...)}
	if err := branch.Forward(clone); err != nil {
		log.Printf("[filter tee] branch forward failed: %v", err)
		if f.cfg.Sync {
			branch.Close()
			return req, false, err
		}
	}

	if f.cfg.Sync {
		if _, err := branch.WaitReply(); err != nil {
			branch.Close()
			return req, false, err
		}
	}

	return req, false, nil
}

func (f *Tee) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	return reply, false, nil
}
