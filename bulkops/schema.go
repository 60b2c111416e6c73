package bulkops

// Schema defines the bulk operation tables. Operations are the
// user-visible unit (one "apply to selection" gesture); items are the
// per-element work rows, processed strictly in selection order.
//
// Items reuse the visibility-timeout idea from job queues: a claimed
// item stays invisible for a window, so a crashed runner's item becomes
// claimable again instead of wedging the operation.
const Schema = `
CREATE TABLE IF NOT EXISTS bulk_operations (
    id          TEXT PRIMARY KEY,
    org_id      TEXT NOT NULL,
    session_id  TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL CHECK(kind IN ('bind','unbind','test')),
    page_path   TEXT NOT NULL DEFAULT '',
    params      TEXT NOT NULL DEFAULT '{}',
    status      TEXT NOT NULL DEFAULT 'pending'
                CHECK(status IN ('pending','running','completed','cancelled','failed')),
    total       INTEGER NOT NULL DEFAULT 0,
    done        INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_bulk_ops_org ON bulk_operations(org_id, created_at);

CREATE TABLE IF NOT EXISTS bulk_operation_items (
    op_id       TEXT NOT NULL REFERENCES bulk_operations(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    signature   TEXT NOT NULL,
    label       TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL DEFAULT 'pending'
                CHECK(state IN ('pending','running','ok','error')),
    detail      TEXT NOT NULL DEFAULT '',
    visible_at  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (op_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_bulk_items_claim
    ON bulk_operation_items(op_id, state, visible_at, seq);
`
