package realtime

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type EditOperationType string

const (
	EditOperationTypeInsert EditOperationType = "insert"
	EditOperationTypeDelete EditOperationType = "delete"
	EditOperationTypeRetain EditOperationType = "retain"
)

// minimal, typed description of how one text snapshot transforms into the
// next. Positions and lengths are character (rune) offsets.
type EditOperation struct {
	Type     EditOperationType `json:"op"`
	Position int               `json:"position"`
	// insert only
	Content string `json:"content,omitempty"`
	// delete only
	Length int `json:"length,omitempty"`
}

// character offsets into the shared text, always attached to an edit or
// cursor event
type CursorPosition struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

var dmp = diffmatchpatch.New()

// computes the minimal operations transforming oldText into newText via a
// common prefix/suffix scan. Returns nil when the texts are identical, a
// single insert or delete for a pure insertion or deletion, and a paired
// delete+insert for a replacement so the replacement text is never dropped.
func DiffText(oldText string, newText string) []*EditOperation {
	if oldText == newText {
		return nil
	}

	p := dmp.DiffCommonPrefix(oldText, newText)
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)
	s := dmp.DiffCommonSuffix(string(oldRunes[p:]), string(newRunes[p:]))

	deleted := oldRunes[p : len(oldRunes)-s]
	inserted := newRunes[p : len(newRunes)-s]

	operations := []*EditOperation{}
	if 0 < len(deleted) {
		operations = append(operations, &EditOperation{
			Type:     EditOperationTypeDelete,
			Position: p,
			Length:   len(deleted),
		})
	}
	if 0 < len(inserted) {
		operations = append(operations, &EditOperation{
			Type:     EditOperationTypeInsert,
			Position: p,
			Content:  string(inserted),
		})
	}
	return operations
}

// pure function producing the post-operation text. Operations are applied
// literally against the receiver's current text with no causal
// reconciliation; out-of-range positions are clamped, not rejected.
func ApplyOperation(text string, operation *EditOperation) string {
	runes := []rune(text)
	switch operation.Type {
	case EditOperationTypeInsert:
		position := clamp(operation.Position, 0, len(runes))
		out := make([]rune, 0, len(runes)+len(operation.Content))
		out = append(out, runes[:position]...)
		out = append(out, []rune(operation.Content)...)
		out = append(out, runes[position:]...)
		return string(out)
	case EditOperationTypeDelete:
		position := clamp(operation.Position, 0, len(runes))
		end := clamp(position+operation.Length, position, len(runes))
		out := make([]rune, 0, len(runes)-(end-position))
		out = append(out, runes[:position]...)
		out = append(out, runes[end:]...)
		return string(out)
	case EditOperationTypeRetain:
		return text
	default:
		return text
	}
}

func ApplyOperations(text string, operations []*EditOperation) string {
	for _, operation := range operations {
		text = ApplyOperation(text, operation)
	}
	return text
}

func clamp(v int, lo int, hi int) int {
	if v < lo {
		return lo
	}
	if hi < v {
		return hi
	}
	return v
}

type EditSynchronizerSettings struct {
	// bounded recent history kept for the activity view
	MaxRecentEdits int
}

func DefaultEditSynchronizerSettings() *EditSynchronizerSettings {
	return &EditSynchronizerSettings{
		MaxRecentEdits: 50,
	}
}

type EditCallbackFunction func(edit *CollaborationEdit)
type CursorCallbackFunction func(cursor *CollaborationCursor)

// turns local text mutations into compact edit operations, broadcasts them,
// and fans remote operations out to the editor. Not an OT/CRDT engine:
// concurrent overlapping edits from multiple authors can diverge; contention
// windows are short and the UI is single-document, low-concurrency.
type EditSynchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *ConnectionManager
	presence   *PresenceManager

	settings *EditSynchronizerSettings

	stateLock   sync.Mutex
	recentEdits []*CollaborationEdit

	editCallbacks   *callbackList[EditCallbackFunction]
	cursorCallbacks *callbackList[CursorCallbackFunction]

	unsubscribes []func()
}

func NewEditSynchronizerWithDefaults(
	ctx context.Context,
	connection *ConnectionManager,
	presence *PresenceManager,
) *EditSynchronizer {
	return NewEditSynchronizer(ctx, connection, presence, DefaultEditSynchronizerSettings())
}

func NewEditSynchronizer(
	ctx context.Context,
	connection *ConnectionManager,
	presence *PresenceManager,
	settings *EditSynchronizerSettings,
) *EditSynchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	editSynchronizer := &EditSynchronizer{
		ctx:             cancelCtx,
		cancel:          cancel,
		connection:      connection,
		presence:        presence,
		settings:        settings,
		editCallbacks:   newCallbackList[EditCallbackFunction](),
		cursorCallbacks: newCallbackList[CursorCallbackFunction](),
	}

	editSynchronizer.unsubscribes = append(
		editSynchronizer.unsubscribes,
		connection.Subscribe(MessageTypeCollaborationEdit, editSynchronizer.receiveEdit),
		connection.Subscribe(MessageTypeCollaborationCursor, editSynchronizer.receiveCursor),
	)

	return editSynchronizer
}

// diffs and broadcasts in one step. Returns the operations, or nil when the
// texts are identical (no broadcast occurs).
func (self *EditSynchronizer) LocalChange(
	resource ResourceRef,
	oldText string,
	newText string,
	cursor *CursorPosition,
) []*EditOperation {
	operations := DiffText(oldText, newText)
	if operations == nil {
		return nil
	}
	self.BroadcastEdit(resource, operations, cursor)
	return operations
}

func (self *EditSynchronizer) BroadcastEdit(
	resource ResourceRef,
	operations []*EditOperation,
	cursor *CursorPosition,
) {
	if len(operations) == 0 {
		return
	}

	// mark the local user as editing this resource
	self.presence.SetCurrentResource(resource, map[string]any{
		"activity": "editing",
	})

	self.connection.Send(&CollaborationEdit{
		UserId:     self.presence.LocalUserId(),
		Resource:   resource,
		Operations: operations,
		Cursor:     cursor,
	}, SendPriorityHigh)
}

func (self *EditSynchronizer) BroadcastCursor(resource ResourceRef, cursor CursorPosition) {
	self.connection.Send(&CollaborationCursor{
		UserId:   self.presence.LocalUserId(),
		Resource: resource,
		Cursor:   cursor,
	}, SendPriorityLow)
}

// other participants editing the same resource
func (self *EditSynchronizer) GetEditors(resource ResourceRef) []*PresenceState {
	return self.presence.GetUsersInResource(resource)
}

func (self *EditSynchronizer) OnEdit(callback EditCallbackFunction) func() {
	handle := self.editCallbacks.add(callback)
	return func() {
		self.editCallbacks.remove(handle)
	}
}

func (self *EditSynchronizer) OnCursorUpdate(callback CursorCallbackFunction) func() {
	handle := self.cursorCallbacks.add(callback)
	return func() {
		self.cursorCallbacks.remove(handle)
	}
}

// bounded recent history, newest last
func (self *EditSynchronizer) RecentEdits() []*CollaborationEdit {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]*CollaborationEdit, len(self.recentEdits))
	copy(out, self.recentEdits)
	return out
}

func (self *EditSynchronizer) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.cancel()
}

// ReceiveFunction
func (self *EditSynchronizer) receiveEdit(message any) {
	edit, ok := message.(*CollaborationEdit)
	if !ok {
		glog.Infof("[e]drop unexpected message %T\n", message)
		return
	}
	if edit.UserId == self.presence.LocalUserId() {
		// our own edit echoed back
		return
	}

	self.stateLock.Lock()
	self.recentEdits = append(self.recentEdits, edit)
	if self.settings.MaxRecentEdits < len(self.recentEdits) {
		self.recentEdits = self.recentEdits[len(self.recentEdits)-self.settings.MaxRecentEdits:]
	}
	self.stateLock.Unlock()

	for _, callback := range self.editCallbacks.get() {
		callback := callback
		handleCallback("e", func() {
			callback(edit)
		})
	}
}

// ReceiveFunction
func (self *EditSynchronizer) receiveCursor(message any) {
	cursor, ok := message.(*CollaborationCursor)
	if !ok {
		glog.Infof("[e]drop unexpected message %T\n", message)
		return
	}
	if cursor.UserId == self.presence.LocalUserId() {
		return
	}

	for _, callback := range self.cursorCallbacks.get() {
		callback := callback
		handleCallback("e", func() {
			callback(cursor)
		})
	}
}
