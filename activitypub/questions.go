package activitypub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
)

// questionOptions returns the option list of a Question and whether it
// allows multiple choices (anyOf) or a single one (oneOf)
func questionOptions(q map[string]any) ([]string, bool) {
	raw, multiple := q["oneOf"], false
	if raw == nil {
		raw, multiple = q["anyOf"], true
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, multiple
	}

	var names []string
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if name := getString(m, "name"); name != "" {
				names = append(names, name)
			}
		}
	}
	return names, multiple
}

// UpdateQuestion re-tallies one of the account's own polls from the
// Note-typed reply-votes stored under it, rebuilds the option counts and
// voter set, closes the poll when its end time has passed, and pushes an
// Update to every voter.
func (e *Engine) UpdateQuestion(acc *domain.Account, questionURI string) error {
	err, obj := e.DB.ReadObjectByURI(questionURI)
	if err != nil || obj == nil {
		log.Printf("Question: recount for unknown poll %s", questionURI)
		return nil
	}

	var q map[string]any
	if err := json.Unmarshal([]byte(obj.RawJSON), &q); err != nil {
		return err
	}
	if getString(q, "type") != "Question" {
		return nil
	}

	me := e.ActorURI(acc.Username)
	if obj.AttributedTo != me {
		// only our own polls are recounted; votes on remote polls are
		// tallied by their home server
		return nil
	}

	names, multiple := questionOptions(q)
	if len(names) == 0 {
		return nil
	}
	valid := make(map[string]bool, len(names))
	for _, n := range names {
		valid[n] = true
	}

	err, children := e.DB.ReadObjectChildren(questionURI)
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	voters := make(map[string]bool)
	seen := make(map[string]bool)

	for _, child := range *children {
		if child.ObjectType != "Note" || child.AttributedTo == "" {
			continue
		}
		var vote map[string]any
		if err := json.Unmarshal([]byte(child.RawJSON), &vote); err != nil {
			continue
		}
		name := getString(vote, "name")
		if name == "" || !valid[name] {
			continue
		}
		if !multiple && voters[child.AttributedTo] {
			// single-choice poll: the first vote stands
			continue
		}
		key := child.AttributedTo + "\n" + name
		if seen[key] {
			continue
		}
		seen[key] = true
		counts[name]++
		voters[child.AttributedTo] = true
	}

	rebuilt := make([]any, 0, len(names))
	for _, name := range names {
		rebuilt = append(rebuilt, map[string]any{
			"type": "Note",
			"name": name,
			"replies": map[string]any{
				"type":       "Collection",
				"totalItems": counts[name],
			},
		})
	}
	if multiple {
		q["anyOf"] = rebuilt
	} else {
		q["oneOf"] = rebuilt
	}
	q["votersCount"] = len(voters)

	newlyClosed := false
	if endTime := getString(q, "endTime"); endTime != "" && getString(q, "closed") == "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil && time.Now().After(t) {
			q["closed"] = util.IsoDate(time.Now())
			newlyClosed = true
		}
	}

	if err := e.overwriteObject(q, "Question"); err != nil {
		return err
	}
	log.Printf("Question: recounted %s (%d voters)", questionURI, len(voters))

	if len(voters) > 0 {
		update := e.MsgUpdate(acc, q)
		to := make([]string, 0, len(voters))
		for voter := range voters {
			to = append(to, voter)
		}
		update["to"] = to
		e.DispatchMessage(acc, update)
	}

	if newlyClosed {
		e.notify(acc, "Update", "Question", me, questionURI)
	}
	return nil
}

// questionConcernsUs reports whether a closed poll matters to the account:
// it is theirs or they voted in it
func (e *Engine) questionConcernsUs(acc *domain.Account, questionURI string) bool {
	me := e.ActorURI(acc.Username)

	if err, obj := e.DB.ReadObjectByURI(questionURI); err == nil && obj != nil {
		if obj.AttributedTo == me {
			return true
		}
	}

	err, children := e.DB.ReadObjectChildren(questionURI)
	if err != nil {
		return false
	}
	for _, child := range *children {
		if child.AttributedTo != me {
			continue
		}
		var vote map[string]any
		if err := json.Unmarshal([]byte(child.RawJSON), &vote); err == nil {
			if getString(vote, "name") != "" {
				return true
			}
		}
	}
	return false
}
