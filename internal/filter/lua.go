package filter

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// LuaConfig configures the Lua hook filter (spec.md §4.6 "Lua hook").
// GlobalScript runs once at filter construction. SessionScript runs in a
// fresh Lua state per session and, on each COM_QUERY, is given a global
// `query` string and expected to set a global `action` ("pass", "veto", or
// "substitute") and, for substitute, a global `replacement` string.
type LuaConfig struct {
	GlobalScript  string
	SessionScript string
}

// LuaHookAction is the verdict a Lua script returns for one query.
type LuaHookAction int

const (
	LuaPass LuaHookAction = iota
	LuaVeto
	LuaSubstitute
)

// LuaHook runs user-supplied Lua scripts per-session and globally, letting
// them transform, veto, or substitute a query (spec.md §4.6).
type LuaHook struct {
	cfg    LuaConfig
	global *lua.LState
}

const luaSessionStateKey = "lua.state"

// VetoResponseKey is the SessionState key a veto verdict stores its
// synthesized ERR packet bytes under, for the session driver to send.
const VetoResponseKey = "lua.veto_response"

// NewLuaHook compiles and runs GlobalScript once, returning a filter ready
// to spawn per-session Lua states.
func NewLuaHook(cfg LuaConfig) (*LuaHook, error) {
	h := &LuaHook{cfg: cfg}
	if cfg.GlobalScript != "" {
		h.global = lua.NewState()
		if err := h.global.DoString(cfg.GlobalScript); err != nil {
			return nil, fmt.Errorf("filter lua_hook: global script: %w", err)
		}
	}
	return h, nil
}

func (f *LuaHook) Name() string { return "lua_hook" }

func (f *LuaHook) sessionState(session *SessionState) *lua.LState {
	st, _ := session.Get(luaSessionStateKey).(*lua.LState)
	if st == nil {
		st = lua.NewState()
		session.Set(luaSessionStateKey, st)
	}
	return st
}

func (f *LuaHook) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	if req.Command != mariadb.ComQuery || f.cfg.SessionScript == "" {
		return req, false, nil
	}
	sql := string(req.Payload[1:])

	st := f.sessionState(session)
	st.SetGlobal("query", lua.LString(sql))
	st.SetGlobal("action", lua.LString("pass"))
	st.SetGlobal("replacement", lua.LString(""))

	if err := st.DoString(f.cfg.SessionScript); err != nil {
		return req, false, fmt.Errorf("filter lua_hook: session script: %w", err)
	}

	action := st.GetGlobal("action").String()
	switch action {
	case "veto":
		// Synthesize a protocol-level access-denied response and consume
		// the request (spec.md §4.6 "Veto => synthesize ... 'Access
		// denied'"). The session driver reads VetoResponseKey out of the
		// session state to build the actual ERR packet, since a Filter's
		// OnRequest has no Reply to return directly.
		session.Set(VetoResponseKey, mariadb.Err(mariadb.ErrAccessDenied, "28000", "Access denied"))
		return req, true, nil
	case "substitute":
		replacement := st.GetGlobal("replacement").String()
		out := Request{Command: req.Command, Payload: append([]byte{byte(req.Command)}, replacement...)}
		return out, false, nil
	default:
		return req, false, nil
	}
}

func (f *LuaHook) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	return reply, false, nil
}
