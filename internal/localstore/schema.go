package localstore

// Timestamps are stored as unix milliseconds; string arrays and JSON
// documents as TEXT.
const schema = `
CREATE TABLE IF NOT EXISTS challenges (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    reward_pool  INTEGER NOT NULL DEFAULT 0,
    roadmap_text TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'open',
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS challenge_repos (
    id           TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    url          TEXT NOT NULL DEFAULT '',
    kind         TEXT NOT NULL DEFAULT 'code'
);

CREATE TABLE IF NOT EXISTS challenge_members (
    challenge_id TEXT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
    user_id      TEXT NOT NULL,
    name         TEXT NOT NULL,
    git_handle   TEXT NOT NULL DEFAULT '',
    git_email    TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (challenge_id, user_id)
);

CREATE TABLE IF NOT EXISTS challenge_tasks (
    id           TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
    parent_id    TEXT NOT NULL DEFAULT '',
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    assignee_id  TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'open',
    position     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS evaluation_runs (
    id              TEXT PRIMARY KEY,
    challenge_id    TEXT NOT NULL,
    trigger_type    TEXT NOT NULL,
    trigger_payload TEXT,
    window_start    INTEGER,
    window_end      INTEGER,
    status          TEXT NOT NULL,
    started_at      INTEGER,
    finished_at     INTEGER,
    error_code      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    created_by      TEXT NOT NULL DEFAULT '',
    retry_of_run_id TEXT REFERENCES evaluation_runs(id),
    meta            TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_evaluation_runs_active
    ON evaluation_runs(challenge_id) WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS idx_evaluation_runs_challenge ON evaluation_runs(challenge_id, created_at);

CREATE TABLE IF NOT EXISTS contributions (
    id           TEXT PRIMARY KEY,
    challenge_id TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    title        TEXT NOT NULL,
    type         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    tags         TEXT NOT NULL DEFAULT '[]',
    commit_shas  TEXT NOT NULL DEFAULT '[]',
    evaluation   TEXT,
    reward       INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contributions_challenge_user ON contributions(challenge_id, user_id);

CREATE TABLE IF NOT EXISTS evaluation_run_contributions (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL REFERENCES evaluation_runs(id) ON DELETE CASCADE,
    contribution_id TEXT NOT NULL REFERENCES contributions(id) ON DELETE CASCADE,
    status          TEXT NOT NULL,
    notes           TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_contributions_run ON evaluation_run_contributions(run_id);

CREATE TABLE IF NOT EXISTS evaluation_grids (
    contribution_type TEXT PRIMARY KEY,
    version           TEXT NOT NULL,
    categories        TEXT NOT NULL,
    updated_at        INTEGER NOT NULL
);
`
