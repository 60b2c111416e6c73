package store

// Schema defines the bindings table: one row per (org, page, element)
// webhook configuration. element_signature is the scanner's stable
// identity; normalized_label is the lowercased, punctuation-stripped
// visible text used by the fuzzy fallback when a signature stops
// matching after a page redesign.
//
// trigger_events, headers and payload_template hold JSON.
const Schema = `
CREATE TABLE IF NOT EXISTS bindings (
    id                TEXT PRIMARY KEY,
    org_id            TEXT NOT NULL,
    page_path         TEXT NOT NULL,
    element_signature TEXT NOT NULL,
    element_path      TEXT NOT NULL DEFAULT '',
    label             TEXT NOT NULL DEFAULT '',
    normalized_label  TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL,
    secret            TEXT NOT NULL DEFAULT '',
    trigger_events    TEXT NOT NULL DEFAULT '[]',
    headers           TEXT NOT NULL DEFAULT '{}',
    payload_template  TEXT NOT NULL DEFAULT '{}',
    element_context   TEXT NOT NULL DEFAULT '',
    enabled           INTEGER NOT NULL DEFAULT 1,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    UNIQUE(org_id, page_path, element_signature)
);

CREATE INDEX IF NOT EXISTS idx_bindings_org_page ON bindings(org_id, page_path);
CREATE INDEX IF NOT EXISTS idx_bindings_label ON bindings(org_id, page_path, normalized_label);
`
