package timeline

import "sort"

// resolveStatus picks the status that survives a merge. An incoming status
// wins whenever it is at least as final as the existing one, so a server
// acknowledgement never downgrades a failure the user has already seen,
// while a failure always overrides a pending echo.
func resolveStatus(existing, incoming Status) Status {
	if existing == "" {
		return incoming
	}
	if incoming == "" {
		return existing
	}
	if statusPriority[incoming] >= statusPriority[existing] {
		return incoming
	}
	return existing
}

// mergeEvent folds incoming into existing, preferring incoming fields when
// they are set. The local transaction id is retained so later deltas for
// the same send still match.
func mergeEvent(existing, incoming Event) Event {
	out := existing
	if incoming.EventID != "" {
		out.EventID = incoming.EventID
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	if incoming.SenderName != "" {
		out.SenderName = incoming.SenderName
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.Timestamp != 0 {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.Body != "" {
		out.Body = incoming.Body
	}
	if incoming.DisplayBody != "" {
		out.DisplayBody = incoming.DisplayBody
	}
	if incoming.Content != nil {
		out.Content = incoming.Content
	}
	if incoming.TransactionID != "" {
		out.TransactionID = incoming.TransactionID
	}
	out.Encrypted = existing.Encrypted || incoming.Encrypted
	out.Status = resolveStatus(existing.Status, incoming.Status)
	return out
}

// Collapse merges a concatenation of timeline fragments (cached history,
// sync deltas, optimistic echoes) into one deduplicated timeline.
//
// Events are matched by event id, or by transaction id when a server event
// arrives for a message that was echoed locally; in that case the merged
// event is re-keyed under the server-assigned id. The result is sorted by
// origin timestamp ascending and capped at MaxEventsPerRoom, dropping the
// oldest events first.
func Collapse(events []Event) []Event {
	byEventID := make(map[string]Event)
	byTxnID := make(map[string]string) // transaction id -> current event id
	var order []string

	for _, incoming := range events {
		if incoming.EventID == "" {
			continue
		}

		key := incoming.EventID
		if existing, ok := byEventID[key]; ok {
			byEventID[key] = mergeEvent(existing, incoming)
			if txn := byEventID[key].TransactionID; txn != "" {
				byTxnID[txn] = key
			}
			continue
		}

		if incoming.TransactionID != "" {
			if existingKey, ok := byTxnID[incoming.TransactionID]; ok {
				merged := mergeEvent(byEventID[existingKey], incoming)
				if merged.EventID != existingKey {
					delete(byEventID, existingKey)
					for i, id := range order {
						if id == existingKey {
							order[i] = merged.EventID
							break
						}
					}
				}
				byEventID[merged.EventID] = merged
				byTxnID[incoming.TransactionID] = merged.EventID
				continue
			}
		}

		byEventID[key] = incoming
		order = append(order, key)
		if incoming.TransactionID != "" {
			byTxnID[incoming.TransactionID] = key
		}
	}

	out := make([]Event, 0, len(order))
	for _, id := range order {
		out = append(out, byEventID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})

	if len(out) > MaxEventsPerRoom {
		out = out[len(out)-MaxEventsPerRoom:]
	}
	return out
}
