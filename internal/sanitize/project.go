package sanitize

import (
	"encoding/json"
	"strings"
)

// fields is an output object under construction.
type fields map[string]any

func get(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func object(m map[string]any, path ...string) map[string]any {
	v, _ := get(m, path...)
	obj, _ := v.(map[string]any)
	return obj
}

// scalar copies a number, bool, or short string.
func (f fields) scalar(key string, src map[string]any, path ...string) {
	v, ok := get(src, path...)
	if !ok {
		return
	}
	switch t := v.(type) {
	case json.Number, bool:
		f[key] = t
	case string:
		if s := strings.TrimSpace(t); s != "" {
			f[key] = Truncate(s, MaxShortLen)
		}
	}
}

// text copies user-authored text, truncated to limit and fenced.
func (f fields) text(key, label string, limit int, src map[string]any, path ...string) {
	v, _ := get(src, path...)
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return
	}
	f[key] = Fence(Truncate(s, limit), label)
}

// nest attaches child when it holds anything.
func (f fields) nest(key string, child fields) {
	if len(child) > 0 {
		f[key] = map[string]any(child)
	}
}

func projectGitHub(p map[string]any) fields {
	out := fields{}
	out.scalar("action", p, "action")
	out.scalar("number", p, "number")

	sender := fields{}
	sender.scalar("login", p, "sender", "login")
	out.nest("sender", sender)

	repo := fields{}
	repo.scalar("full_name", p, "repository", "full_name")
	repo.scalar("default_branch", p, "repository", "default_branch")
	out.nest("repository", repo)

	inst := fields{}
	inst.scalar("id", p, "installation", "id")
	out.nest("installation", inst)

	if pr := object(p, "pull_request"); pr != nil {
		o := fields{}
		o.scalar("number", pr, "number")
		o.scalar("state", pr, "state")
		o.scalar("draft", pr, "draft")
		o.scalar("merged", pr, "merged")
		o.text("title", "pr title", MaxTitleLen, pr, "title")
		o.text("body", "pr body", MaxBodyLen, pr, "body")
		for _, side := range []string{"head", "base"} {
			ref := fields{}
			ref.scalar("ref", pr, side, "ref")
			ref.scalar("sha", pr, side, "sha")
			o.nest(side, ref)
		}
		user := fields{}
		user.scalar("login", pr, "user", "login")
		o.nest("user", user)
		o.scalar("changed_files", pr, "changed_files")
		o.scalar("additions", pr, "additions")
		o.scalar("deletions", pr, "deletions")
		out.nest("pull_request", o)
	}

	if review := object(p, "review"); review != nil {
		o := fields{}
		o.scalar("state", review, "state")
		o.text("body", "review body", MaxCommentLen, review, "body")
		user := fields{}
		user.scalar("login", review, "user", "login")
		o.nest("user", user)
		out.nest("review", o)
	}

	if comment := object(p, "comment"); comment != nil {
		o := fields{}
		o.scalar("id", comment, "id")
		o.text("body", "comment body", MaxCommentLen, comment, "body")
		user := fields{}
		user.scalar("login", comment, "user", "login")
		o.nest("user", user)
		o.scalar("path", comment, "path")
		o.scalar("line", comment, "line")
		out.nest("comment", o)
	}

	if issue := object(p, "issue"); issue != nil {
		o := fields{}
		o.scalar("number", issue, "number")
		o.scalar("state", issue, "state")
		o.text("title", "issue title", MaxTitleLen, issue, "title")
		user := fields{}
		user.scalar("login", issue, "user", "login")
		o.nest("user", user)
		out.nest("issue", o)
	}

	return out
}

func projectLinear(p map[string]any) fields {
	out := fields{}
	out.scalar("type", p, "type")
	out.scalar("action", p, "action")

	data := object(p, "data")
	if data == nil {
		return out
	}

	o := fields{}
	o.scalar("id", data, "id")
	o.scalar("identifier", data, "identifier")
	o.scalar("priority", data, "priority")

	// state is either a workflow-state object or a bare name.
	if st := object(data, "state"); st != nil {
		state := fields{}
		state.scalar("name", st, "name")
		state.scalar("type", st, "type")
		o.nest("state", state)
	} else {
		o.scalar("state", data, "state")
	}

	team := fields{}
	team.scalar("key", data, "team", "key")
	o.nest("team", team)

	assignee := fields{}
	assignee.scalar("name", data, "assignee", "name")
	o.nest("assignee", assignee)

	issue := fields{}
	issue.scalar("identifier", data, "issue", "identifier")
	o.nest("issue", issue)

	if raw, ok := data["labels"].([]any); ok {
		labels := make([]any, 0, len(raw))
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			label := fields{}
			label.scalar("name", entry, "name")
			if len(label) > 0 {
				labels = append(labels, map[string]any(label))
			}
		}
		o["labels"] = labels
	}

	o.text("title", "issue title", MaxTitleLen, data, "title")
	o.text("description", "issue description", MaxBodyLen, data, "description")
	o.text("body", "comment body", MaxCommentLen, data, "body")

	out.nest("data", o)
	return out
}
