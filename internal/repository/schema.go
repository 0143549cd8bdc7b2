package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    digest TEXT NOT NULL,
    account_number TEXT NOT NULL,
    status TEXT NOT NULL,
    score INTEGER NOT NULL,
    result TEXT NOT NULL,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_account ON analyses(tenant_id, account_number, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(created_at);
`

const schemaCheckRules = `
CREATE TABLE IF NOT EXISTS check_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    indicator TEXT NOT NULL,
    penalty INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_check_rules_tenant ON check_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_check_rules_enabled ON check_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnalyses,
		schemaCheckRules,
	}
}
