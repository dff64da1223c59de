package postgresql

import "github.com/dukex/flowtree/pkg/persistence/sqlbase"

func migrations() []sqlbase.Migration {
	return []sqlbase.Migration{
		{
			Version: 1,
			Name:    "create_flows",
			SQL: `
			-- Create flows table
			CREATE TABLE flows (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				flow_type VARCHAR(100) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'completed', 'archived')),
				parent_flow_id TEXT REFERENCES flows(id),
				root_flow_id TEXT NOT NULL,
				path TEXT NOT NULL,
				depth_level INTEGER NOT NULL DEFAULT 0 CHECK (depth_level >= 0),
				template_id TEXT,
				user_id VARCHAR(255) NOT NULL,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CHECK (parent_flow_id IS NULL OR parent_flow_id <> id)
			);

			CREATE INDEX idx_flows_parent_flow_id ON flows(parent_flow_id);
			CREATE INDEX idx_flows_root_flow_id ON flows(root_flow_id);
			CREATE INDEX idx_flows_user_id ON flows(user_id);
			CREATE INDEX idx_flows_status ON flows(status);
			CREATE INDEX idx_flows_created_at ON flows(created_at);
			-- Prefix scans for descendant lookups
			CREATE INDEX idx_flows_path ON flows(path text_pattern_ops);
		`,
		},
		{
			Version: 2,
			Name:    "create_nested_flow_templates",
			SQL: `
			-- Create nested flow templates table
			CREATE TABLE nested_flow_templates (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				flow_type VARCHAR(100) NOT NULL DEFAULT '',
				category VARCHAR(100) NOT NULL DEFAULT '',
				difficulty VARCHAR(20) NOT NULL DEFAULT '',
				is_public BOOLEAN NOT NULL DEFAULT FALSE,
				author_id VARCHAR(255) NOT NULL DEFAULT '',
				usage_count BIGINT NOT NULL DEFAULT 0,
				rating DOUBLE PRECISION NOT NULL DEFAULT 0,
				sub_flows TEXT[] NOT NULL DEFAULT '{}',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_nested_flow_templates_author_id ON nested_flow_templates(author_id);
			CREATE INDEX idx_nested_flow_templates_category ON nested_flow_templates(category);
		`,
		},
	}
}
