package filter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/internal/mariadb"
	"github.com/joao-brasil/dbproxy/internal/pool"
)

// Build turns a proxy.yaml filter chain into a ready-to-run Pipeline. Each
// entry's Type selects the concrete filter; Options is that filter's own
// config struct, loosely typed (spec.md §4.6 filter chain). poolMgr backs
// the Tee and OptimisticTrx filters' branch sessions, which speak to a
// second bucket the same way internal/listener.Session does.
func Build(cfgs []config.FilterConfig, poolMgr *pool.Manager) (*Pipeline, error) {
	stages := make([]Filter, 0, len(cfgs))
	for _, c := range cfgs {
		stage, err := buildOne(c, poolMgr)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", c.Name, err)
		}
		stages = append(stages, stage)
	}
	return New(stages...), nil
}

func buildOne(c config.FilterConfig, poolMgr *pool.Manager) (Filter, error) {
	switch c.Type {
	case "regex":
		return NewRegexRewrite(RegexConfig{
			Match:           optString(c.Options, "match"),
			Replace:         optString(c.Options, "replace"),
			CaseInsensitive: optBool(c.Options, "case_insensitive"),
			LogMatches:      optBool(c.Options, "log_matches"),
			LogFile:         optString(c.Options, "log_file"),
		})

	case "tee":
		target := optString(c.Options, "target")
		return NewTee(TeeConfig{
			Target: target,
			Sync:   optBool(c.Options, "sync"),
			Dial:   func(target string) (BranchSession, error) { return dialBranch(poolMgr, target) },
		}), nil

	case "insertstream":
		return NewInsertStream(), nil

	case "topn":
		cfg := TopNConfig{
			Count:    optInt(c.Options, "count"),
			FileBase: optString(c.Options, "file_base"),
		}
		if m := optString(c.Options, "match"); m != "" {
			re, err := regexp.Compile(m)
			if err != nil {
				return nil, fmt.Errorf("match: %w", err)
			}
			cfg.Match = re
		}
		if m := optString(c.Options, "exclude"); m != "" {
			re, err := regexp.Compile(m)
			if err != nil {
				return nil, fmt.Errorf("exclude: %w", err)
			}
			cfg.Exclude = re
		}
		return NewTopN(cfg), nil

	case "lua_hook":
		return NewLuaHook(LuaConfig{
			GlobalScript:  optString(c.Options, "global_script"),
			SessionScript: optString(c.Options, "session_script"),
		})

	case "optimistictrx":
		shadowTarget := optString(c.Options, "shadow_target")
		return NewOptimisticTrx(OptimisticTrxConfig{
			DialShadow: func() (BranchSession, error) { return dialBranch(poolMgr, shadowTarget) },
		}), nil

	default:
		return nil, fmt.Errorf("unknown filter type %q", c.Type)
	}
}

// dbBranchSession implements BranchSession by running queries against a
// pooled *sql.DB and re-encoding the result with internal/mariadb, the
// same round-trip internal/listener.Session uses for the client-facing
// path. It serves one statement at a time: Forward executes, WaitReply
// returns the packets from the last Forward.
type dbBranchSession struct {
	db      *pool.PooledConn
	release func()
	seq     byte
	last    Reply
}

func dialBranch(poolMgr *pool.Manager, bucketID string) (BranchSession, error) {
	if bucketID == "" {
		return nil, fmt.Errorf("filter: branch target not configured")
	}
	conn, err := poolMgr.Acquire(context.Background(), bucketID)
	if err != nil {
		return nil, fmt.Errorf("filter: dial branch %s: %w", bucketID, err)
	}
	return &dbBranchSession{db: conn, release: func() { poolMgr.Release(conn) }}, nil
}

func (b *dbBranchSession) Forward(req Request) error {
	if req.Command != mariadb.ComQuery {
		b.seq++
		b.last = Reply{Packets: mariadb.BuildPackets(mariadb.OK(0, 0, 0x0002, 0), b.seq)}
		return nil
	}

	sqlText := string(req.Payload[1:])
	ctx := context.Background()

	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "SELECT") {
		rows, err := b.db.DB().QueryContext(ctx, sqlText)
		if err != nil {
			return err
		}
		defer rows.Close()
		bodies, err := mariadb.EncodeResultSet(rows)
		if err != nil {
			return err
		}
		var packets []mariadb.Packet
		for _, body := range bodies {
			b.seq++
			packets = append(packets, mariadb.BuildPackets(body, b.seq)...)
		}
		b.last = Reply{Packets: packets}
		return nil
	}

	if _, err := b.db.DB().ExecContext(ctx, sqlText); err != nil {
		return err
	}
	b.seq++
	b.last = Reply{Packets: mariadb.BuildPackets(mariadb.OK(0, 0, 0x0002, 0), b.seq)}
	return nil
}

func (b *dbBranchSession) WaitReply() (Reply, error) { return b.last, nil }

func (b *dbBranchSession) Close() {
	if b.release != nil {
		b.release()
	}
}

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optBool(opts map[string]any, key string) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return false
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
