package eventlog

// Schema defines the activity event table. One row per user-visible
// action in the configurator: a selection change, a saved binding, a
// test delivery, a bulk run.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    at         INTEGER NOT NULL,
    org_id     TEXT NOT NULL DEFAULT '',
    user_id    TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    source     TEXT NOT NULL,
    action     TEXT NOT NULL,
    page_path  TEXT NOT NULL DEFAULT '',
    signature  TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '{}',
    status     TEXT NOT NULL DEFAULT 'ok' CHECK(status IN ('ok','error')),
    error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_at ON events(at DESC);
CREATE INDEX IF NOT EXISTS idx_events_org ON events(org_id, at DESC);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source, action);
`
