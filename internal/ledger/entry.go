package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/davidahmann/sentinel/pkg/types"
)

// EncodeEntry flattens a journal entry into its indexed columns plus the full
// JSON body. Seq is left to the store.
func EncodeEntry(entry types.JournalEntry) (EntryRecord, error) {
	entry.Seq = 0
	body, err := json.Marshal(entry)
	if err != nil {
		return EntryRecord{}, fmt.Errorf("encode entry %s: %w", entry.EntryID, err)
	}
	return EntryRecord{
		EntryID:        entry.EntryID,
		DecisionID:     entry.DecisionID,
		TargetID:       entry.Target,
		PolicyID:       entry.PolicyID,
		PolicyHash:     entry.PolicyHash,
		ActionComputed: string(entry.ActionComputed),
		ActionExecuted: string(entry.ActionExecuted),
		ExecutionMode:  string(entry.ExecutionMode),
		Timestamp:      entry.Timestamp,
		Success:        entry.Success,
		BodyJSON:       body,
		CreatedAt:      entry.CreatedAt,
	}, nil
}

// DecodeEntry restores a journal entry from a stored record. The store's
// sequence number wins over anything in the body.
func DecodeEntry(rec EntryRecord) (types.JournalEntry, error) {
	var entry types.JournalEntry
	if err := json.Unmarshal(rec.BodyJSON, &entry); err != nil {
		return types.JournalEntry{}, fmt.Errorf("%w: entry %s: %v", ErrInvalidBody, rec.EntryID, err)
	}
	entry.Seq = rec.Seq
	return entry, nil
}

func DecodeEntries(recs []EntryRecord) ([]types.JournalEntry, error) {
	out := make([]types.JournalEntry, 0, len(recs))
	for _, rec := range recs {
		entry, err := DecodeEntry(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
