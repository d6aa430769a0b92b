package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Immutable workflow versions
			CREATE TABLE workflow_versions (
				workflow_id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL CHECK (version > 0),
				name VARCHAR(255) NOT NULL DEFAULT '',
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, version)
			);

			-- Routing rules per hospital and intent
			CREATE TABLE routing_rules (
				hospital_id VARCHAR(255) NOT NULL,
				intent_key VARCHAR(255) NOT NULL,
				rules JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (hospital_id, intent_key)
			);
		`,
		2: `
			-- Migration 2: call event log and handoff payloads
			CREATE TABLE calls (
				call_id VARCHAR(255) PRIMARY KEY,
				hospital_id VARCHAR(255) NOT NULL,
				info JSONB NOT NULL,
				handoff JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_calls_hospital_id ON calls(hospital_id);

			CREATE TABLE call_events (
				call_id VARCHAR(255) NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
				seq BIGSERIAL NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (call_id, seq)
			);

			CREATE INDEX idx_call_events_type ON call_events(event_type);
		`,
	}
}
