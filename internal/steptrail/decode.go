package steptrail

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DecodeState reads a stored document. Only a payload that is not a JSON
// object is an error. Fields of the wrong type are coerced to zero values,
// records that are not objects are dropped, and a repaired document is
// flagged so Normalize migrates it even at the current schema version.
func DecodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err == nil {
		return &state, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}

	s := &State{repaired: true}
	s.SchemaVersion = looseInt(fields, "schemaVersion")
	if f := rawFields(fields["captureState"]); f != nil {
		s.CaptureState = CaptureState{
			IsCapturing: looseBool(f, "isCapturing"),
			StartedAt:   looseTimePtr(f, "startedAt"),
			TabID:       looseInt(f, "tabId"),
		}
	}
	for _, f := range rawRecords(fields["sessions"]) {
		s.Sessions = append(s.Sessions, looseSession(f))
	}
	for _, f := range rawRecords(fields["steps"]) {
		s.Steps = append(s.Steps, looseStep(f))
	}
	if f := rawFields(fields["tabToSession"]); f != nil {
		s.TabToSession = map[int]string{}
		for key := range f {
			tab, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				continue
			}
			if id := rawString(f, key); id != "" {
				s.TabToSession[tab] = id
			}
		}
	}
	for _, f := range rawRecords(fields["eventLog"]) {
		s.EventLog = append(s.EventLog, EventLogEntry{
			ID:        rawString(f, "id"),
			Type:      rawString(f, "type"),
			At:        rawTime(f, "at"),
			SessionID: rawString(f, "sessionId"),
			Detail:    rawString(f, "detail"),
		})
	}
	if f := rawFields(fields["syncConfig"]); f != nil {
		s.SyncConfig = SyncConfig{
			Enabled:          looseBool(f, "enabled"),
			AutoUploadOnStop: looseBool(f, "autoUploadOnStop"),
			EndpointURL:      rawString(f, "endpointUrl"),
			AllowedEmails:    looseStrings(f["allowedEmails"]),
			MaskInputValues:  looseBool(f, "maskInputValues"),
		}
	}
	for _, f := range rawRecords(fields["syncQueue"]) {
		s.SyncQueue = append(s.SyncQueue, SyncQueueItem{
			ID:            rawString(f, "id"),
			SessionID:     rawString(f, "sessionId"),
			Reason:        SyncReason(rawString(f, "reason")),
			Attempt:       looseInt(f, "attempt"),
			AuthAttempt:   looseInt(f, "authAttempt"),
			NextRetryAt:   rawTime(f, "nextRetryAt"),
			LastErrorCode: ErrorCode(rawString(f, "lastErrorCode")),
			CreatedAt:     rawTime(f, "createdAt"),
			UpdatedAt:     rawTime(f, "updatedAt"),
		})
	}
	if f := rawFields(fields["syncState"]); f != nil {
		s.SyncState = SyncRunState{
			LastRunAt:     looseTimePtr(f, "lastRunAt"),
			SuccessCount:  looseInt(f, "successCount"),
			FailureCount:  looseInt(f, "failureCount"),
			QuotaWarning:  looseBool(f, "quotaWarning"),
			LastErrorCode: ErrorCode(rawString(f, "lastErrorCode")),
		}
	}
	return s, nil
}

func looseSession(f map[string]json.RawMessage) Session {
	session := Session{
		ID:         rawString(f, "id"),
		TabID:      looseInt(f, "tabId"),
		StartURL:   rawString(f, "startUrl"),
		StartTitle: rawString(f, "startTitle"),
		LastURL:    rawString(f, "lastUrl"),
		LastTitle:  rawString(f, "lastTitle"),
		StartedAt:  rawTime(f, "startedAt"),
		UpdatedAt:  rawTime(f, "updatedAt"),
		StepsCount: looseInt(f, "stepsCount"),
	}
	if sync := rawFields(f["sync"]); sync != nil {
		session.Sync = SyncStatus{
			Status:       SyncState(rawString(sync, "status")),
			Revision:     looseInt(sync, "revision"),
			LastSyncedAt: looseTimePtr(sync, "lastSyncedAt"),
			ErrorCode:    ErrorCode(rawString(sync, "errorCode")),
		}
	}
	return session
}

func looseStep(f map[string]json.RawMessage) Step {
	step := Step{
		ID:               rawString(f, "id"),
		SessionID:        rawString(f, "sessionId"),
		StepIndex:        looseInt(f, "stepIndex"),
		Type:             StepType(strings.ToLower(rawString(f, "type"))),
		At:               rawTime(f, "ts"),
		URL:              rawString(f, "url"),
		Title:            rawString(f, "title"),
		Key:              rawString(f, "key"),
		Modifiers:        rawModifiers(f["modifiers"]),
		Value:            rawString(f, "value"),
		InputType:        rawString(f, "inputType"),
		OptionValue:      rawString(f, "optionValue"),
		OptionText:       rawString(f, "optionText"),
		Checked:          rawBool(f, "checked"),
		NavigationKind:   rawString(f, "navigationKind"),
		FromURL:          rawString(f, "fromUrl"),
		Target:           rawTarget(f["target"]),
		Selectors:        rawObject(f["selectors"]),
		ThumbnailDataURL: rawString(f, "thumbnailDataUrl"),
		Annotations:      []Annotation{},
	}
	if x, ok := looseNumber(f, "scrollX"); ok {
		v := int(x)
		step.ScrollX = &v
	}
	if y, ok := looseNumber(f, "scrollY"); ok {
		v := int(y)
		step.ScrollY = &v
	}
	for _, a := range rawRecords(f["annotations"]) {
		x, _ := looseNumber(a, "x")
		y, _ := looseNumber(a, "y")
		w, _ := looseNumber(a, "width")
		h, _ := looseNumber(a, "height")
		step.Annotations = append(step.Annotations, Annotation{
			ID:     rawString(a, "id"),
			X:      x,
			Y:      y,
			Width:  w,
			Height: h,
			Label:  rawString(a, "label"),
		})
	}
	return step
}

func rawFields(raw json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return nil
	}
	return fields
}

// rawRecords returns the object elements of a JSON array; anything else in
// the array is skipped.
func rawRecords(raw json.RawMessage) []map[string]json.RawMessage {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]map[string]json.RawMessage, 0, len(items))
	for _, item := range items {
		if fields := rawFields(item); fields != nil {
			out = append(out, fields)
		}
	}
	return out
}

// looseNumber accepts a JSON number or a numeric string.
func looseNumber(fields map[string]json.RawMessage, key string) (float64, bool) {
	if v, ok := rawNumber(fields, key); ok {
		return v, true
	}
	text := strings.TrimSpace(rawString(fields, key))
	if text == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func looseInt(fields map[string]json.RawMessage, key string) int {
	v, _ := looseNumber(fields, key)
	return int(v)
}

func looseBool(fields map[string]json.RawMessage, key string) bool {
	if v := rawBool(fields, key); v != nil {
		return *v
	}
	v, _ := strconv.ParseBool(strings.TrimSpace(rawString(fields, key)))
	return v
}

func looseTimePtr(fields map[string]json.RawMessage, key string) *time.Time {
	ts := rawTime(fields, key)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func looseStrings(raw json.RawMessage) []string {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var text string
		if json.Unmarshal(item, &text) == nil {
			out = append(out, text)
		}
	}
	return out
}
