package store

import (
	"context"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(roomID, msgID string, sentAt int64, body string) Message {
	return Message{
		RoomID: roomID, MsgID: msgID, SenderID: "alice@example.com",
		SenderName: "Alice", Body: body, SentAt: sentAt,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestSaveMessagesIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := []Message{msg("r1", "m1", 1000, "hello"), msg("r1", "m2", 2000, "world")}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}
	// Saving the same batch twice yields the same state as once.
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.FetchRecent(ctx, "r1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestFetchRecentOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Insert out of order, including a sent_at tie broken by msg_id.
	batch := []Message{
		msg("r1", "m3", 3000, "third"),
		msg("r1", "m1", 1000, "first"),
		msg("r1", "mB", 2000, "tie-b"),
		msg("r1", "mA", 2000, "tie-a"),
	}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.FetchRecent(ctx, "r1", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "mA", "mB", "m3"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].MsgID != id {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].MsgID, id)
		}
	}
}

func TestFetchRecentWindowIsNewest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var batch []Message
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, msg("r1", string(rune('a'+i)), i*1000, "x"))
	}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.FetchRecent(ctx, "r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].SentAt != 4000 || msgs[1].SentAt != 5000 {
		t.Errorf("window = [%d %d], want the newest two ascending", msgs[0].SentAt, msgs[1].SentAt)
	}
}

func TestFetchOlder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var batch []Message
	ids := []string{"m1", "m2", "m3", "m4"}
	for i, id := range ids {
		batch = append(batch, msg("r1", id, int64(i+1)*1000, "x"))
	}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	older, err := db.FetchOlder(ctx, "r1", "m3", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].MsgID != "m1" || older[1].MsgID != "m2" {
		t.Errorf("FetchOlder(m3) = %v, want [m1 m2]", msgIDs(older))
	}

	// Unknown boundary yields empty.
	none, err := db.FetchOlder(ctx, "r1", "nope", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("FetchOlder(unknown) = %v, want empty", msgIDs(none))
	}
}

func TestDeletionMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveMessages(ctx, []Message{msg("r1", "m1", 1000, "bye")}); err != nil {
		t.Fatal(err)
	}

	flipped, err := db.UpdateDeletionFlags(ctx, "r1", []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if flipped != 1 {
		t.Errorf("flipped = %d, want 1", flipped)
	}

	// A later upsert with Deleted=false must not resurrect it.
	if err := db.SaveMessages(ctx, []Message{msg("r1", "m1", 1000, "bye")}); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessage(ctx, "r1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || !m.Deleted {
		t.Error("message resurrected: Deleted = false after re-upsert")
	}

	// Re-flipping is a no-op, not an error.
	flipped, err = db.UpdateDeletionFlags(ctx, "r1", []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if flipped != 0 {
		t.Errorf("second flip count = %d, want 0", flipped)
	}
}

func TestDeletionPropagatesToReplyPreviews(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	original := msg("r1", "m37", 1000, "the original")
	reply := msg("r1", "m40", 2000, "replying")
	reply.ReplyPreview = &ReplyPreview{MsgID: "m37", SenderName: "Alice", Excerpt: "the original"}

	if err := db.SaveMessages(ctx, []Message{original, reply}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.UpdateDeletionFlags(ctx, "r1", []string{"m37"}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "r1", "m40")
	if err != nil {
		t.Fatal(err)
	}
	if got.Deleted {
		t.Error("referencing message must not be deleted itself")
	}
	if got.ReplyPreview == nil || !got.ReplyPreview.Deleted {
		t.Error("reply preview not marked as referencing deleted content")
	}

	// Re-saving the reply with a stale preview must not clear the mark.
	if err := db.SaveMessages(ctx, []Message{reply}); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetMessage(ctx, "r1", "m40")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReplyPreview == nil || !got.ReplyPreview.Deleted {
		t.Error("preview deletion mark reverted by stale re-upsert")
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := msg("r1", "m1", 1000, "")
	m.Attachments = []Attachment{
		{Kind: AttachmentImage, Idx: 0, ThumbPath: "thumbs/a.jpg", OriginalPath: "orig/a.jpg"},
		{Kind: AttachmentVideo, Idx: 1, ThumbPath: "thumbs/b.jpg", OriginalPath: "orig/b.mp4"},
	}
	if err := db.SaveMessages(ctx, []Message{m}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "r1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got.Attachments))
	}
	if got.Attachments[1].Kind != AttachmentVideo || got.Attachments[1].Idx != 1 {
		t.Errorf("attachment order not preserved: %+v", got.Attachments)
	}
}

func TestMarkFailed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveMessages(ctx, []Message{msg("r1", "m1", 1000, "x")}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed(ctx, "r1", "m1", true); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage(ctx, "r1", "m1")
	if !m.Failed {
		t.Error("Failed = false, want true")
	}
	if err := db.MarkFailed(ctx, "r1", "m1", false); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage(ctx, "r1", "m1")
	if m.Failed {
		t.Error("Failed = true after clear")
	}
}

func TestReconcileIDsSkipsFailedAndDeleted(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mine := msg("r1", "m-self", 4000, "mine")
	mine.SenderID = "me@example.com"
	batch := []Message{
		msg("r1", "m1", 1000, "a"),
		msg("r1", "m2", 2000, "b"),
		msg("r1", "m3", 3000, "c"),
		mine,
	}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed(ctx, "r1", "m2", true); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateDeletionFlags(ctx, "r1", []string{"m3"}); err != nil {
		t.Fatal(err)
	}

	ids, selfSent, err := db.ReconcileIDs(ctx, "r1", "me@example.com", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m-self", "m1"}
	if len(ids) != len(want) {
		t.Fatalf("got %d ids %v, want %v", len(ids), ids, want)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], id)
		}
	}
	if !selfSent["m-self"] || selfSent["m1"] {
		t.Errorf("selfSent = %v", selfSent)
	}

	// Limit keeps the newest IDs.
	ids, _, err = db.ReconcileIDs(ctx, "r1", "me@example.com", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "m-self" {
		t.Fatalf("limited ids = %v, want [m-self]", ids)
	}
}

func TestFetchMessagesKeyword(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := []Message{
		msg("r1", "m1", 1000, "we ship tomorrow"),
		msg("r1", "m2", 2000, "nothing relevant"),
		msg("r2", "m3", 3000, "ship it today"),
	}
	if err := db.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	hits, err := db.FetchMessages(ctx, "r1", "ship")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].MsgID != "m1" {
		t.Errorf("keyword hits = %v, want [m1]", msgIDs(hits))
	}

	all, err := db.FetchMessages(ctx, "r1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d messages without keyword, want 2", len(all))
	}
}

func TestSearchSnippet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveMessages(ctx, []Message{msg("r1", "m1", 1000, "release notes are ready")}); err != nil {
		t.Fatal(err)
	}

	results, err := db.Search(ctx, "release", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Snippet == "" {
		t.Error("empty snippet")
	}
}

func TestRoomUpsertKeepsNewestPreview(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertRoom(ctx, &Room{ID: "r1", Name: "Team", LastMessageAt: 2000, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	// An older batch arriving late must not roll the preview back.
	if err := db.UpsertRoom(ctx, &Room{ID: "r1", LastMessageAt: 1000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	r, err := db.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.LastMessagePreview != "newer" || r.LastMessageAt != 2000 {
		t.Errorf("room = %+v, want preview/timestamp from the newer message", r)
	}
	if r.Name != "Team" {
		t.Errorf("Name = %q, empty upsert value clobbered it", r.Name)
	}
}

func TestParticipants(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddParticipant(ctx, "r1", "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := db.AddParticipant(ctx, "r1", "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipant(ctx, "r1", "bob@example.com"); err != nil {
		t.Fatal(err)
	}

	users, err := db.Participants(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("got %d participants, want 2", len(users))
	}

	ok, err := db.IsParticipant(ctx, "r1", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("IsParticipant(alice) = false, want true")
	}
	ok, _ = db.IsParticipant(ctx, "r1", "mallory@example.com")
	if ok {
		t.Error("IsParticipant(mallory) = true, want false")
	}
}

func TestSenderProfileUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertSenderProfile(ctx, &SenderProfile{Email: "a@x", Nickname: "A", AvatarPath: "av/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	// Empty fields must not clobber.
	if err := db.UpsertSenderProfile(ctx, &SenderProfile{Email: "a@x", Nickname: "A2"}); err != nil {
		t.Fatal(err)
	}

	p, err := db.GetSenderProfile(ctx, "a@x")
	if err != nil {
		t.Fatal(err)
	}
	if p.Nickname != "A2" || p.AvatarPath != "av/a.jpg" {
		t.Errorf("profile = %+v, want updated nickname and kept avatar", p)
	}
}

func TestPurgeRoom(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveMessages(ctx, []Message{msg("r1", "m1", 1000, "x"), msg("r2", "k1", 1000, "y")}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(ctx, &Room{ID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddParticipant(ctx, "r1", "alice@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := db.PurgeRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.FetchMessages(ctx, "r1", "")
	if len(msgs) != 0 {
		t.Errorf("r1 still has %d messages after purge", len(msgs))
	}
	r, _ := db.GetRoom(ctx, "r1")
	if r != nil {
		t.Error("r1 room row survived purge")
	}
	// Other rooms untouched.
	other, _ := db.FetchMessages(ctx, "r2", "")
	if len(other) != 1 {
		t.Errorf("r2 lost messages: %d, want 1", len(other))
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := db.GetSyncState(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}

	if err := db.SetSyncState(ctx, "reconcile.r1", "1234"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState(ctx, "reconcile.r1", "5678"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetSyncState(ctx, "reconcile.r1")
	if v != "5678" {
		t.Errorf("value = %q, want 5678", v)
	}
}

func msgIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	return ids
}
