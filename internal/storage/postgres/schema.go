package postgres

import (
	"context"
	"fmt"
	"regexp"
)

// TableName 訊息資料表名稱.
const TableName = "chat_messages"

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidateChannel 確認 NOTIFY 頻道名稱可以安全地嵌入 SQL.
func ValidateChannel(channel string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid notify channel %q", channel)
	}
	return nil
}

// schemaStatements 建表、三個查詢索引與變更通知觸發器
func schemaStatements(channel string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id               TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			sender_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			text             TEXT NOT NULL,
			created_at       BIGINT NOT NULL,
			read             BOOLEAN NOT NULL DEFAULT FALSE,
			read_at          TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_conversation_idx ON chat_messages (conversation_key, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_sender_idx ON chat_messages (sender_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_receiver_idx ON chat_messages (receiver_id, created_at DESC)`,
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION chat_messages_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%s', json_build_object(
				'conversation_key', NEW.conversation_key,
				'sender_id', NEW.sender_id,
				'receiver_id', NEW.receiver_id
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS chat_messages_notify ON chat_messages`,
		`CREATE TRIGGER chat_messages_notify
			AFTER INSERT OR UPDATE ON chat_messages
			FOR EACH ROW EXECUTE FUNCTION chat_messages_notify()`,
	}
}

// EnsureSchema 建立資料表與觸發器；可重複執行.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.hub.channel) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
