package engine

import (
	"context"
	"strings"
)

// Schema returns all resource definitions for the Plateful platform.
// This is the single source of truth: migrations, API, store, and types are all derived from this.
func Schema() []Resource {
	return []Resource{
		TenantResource(),
		TemplateResource(),
		PackageModuleResource(),
		DeployedModuleResource(),
		AccountResource(),
		WorkflowResource(),
		ModuleGrantResource(),
		DeploymentTransactionResource(),
		DeploymentLineResource(),
	}
}

// TenantResource is the isolation boundary. Every other tenant-scoped row
// carries a tenant reference id pointing here.
func TenantResource() Resource {
	return Resource{
		Name:      "tenants",
		RefPrefix: "tnt_",
		Fields: []Field{
			StringField("name").WithRequired().WithMinLen(2).WithMaxLen(100),
			StringField("slug").WithUnique().WithComputed(func(row map[string]any) any {
				if name, ok := row["name"].(string); ok {
					return slugify(name)
				}
				return ""
			}),
			BoolField("active").WithDefault(true),
			StringField("business_size").WithNullable(),
			JSONField("settings"),
		},
	}
}

// TemplateResource holds both packages and the modules they bundle.
// Platform-published templates have no tenant and are visible to every tenant;
// private templates are visible only to their owner. This two-tier visibility
// rule replaces any magic shared-tenant id.
func TemplateResource() Resource {
	return Resource{
		Name:        "templates",
		RefPrefix:   "tpl_",
		TenantField: "tenant_id",
		PublicRead:  true, // published templates visible to all tenants
		Fields: []Field{
			SoftRefField("tenant_id", "tenants"),
			StringField("kind").WithRequired().WithPattern(`^(package|module)$`),
			StringField("code").WithRequired().WithMaxLen(32).WithPattern(`^[A-Z][A-Z0-9_-]*$`),
			StringField("name").WithRequired().WithMinLen(2).WithMaxLen(100),
			StringField("version").WithDefault("1.0.0").WithPattern(`^\d+\.\d+\.\d+$`),
			StringField("category").WithNullable(),
			StringField("visibility").WithDefault("private").WithPattern(`^(private|published)$`),
			JSONField("config"),
			BoolField("active").WithDefault(true),
		},
		Visibility: templateVisibility,
	}
}

// PackageModuleResource is the ordered "package includes module" edge.
func PackageModuleResource() Resource {
	return Resource{
		Name:        "package_modules",
		RefPrefix:   "edge_",
		TenantField: "tenant_id",
		Fields: []Field{
			SoftRefField("tenant_id", "tenants"),
			SoftRefField("package_id", "templates").WithRequired(),
			SoftRefField("module_id", "templates").WithRequired(),
			IntField("position").WithDefault(0),
		},
	}
}

// DeployedModuleResource represents "this module is installed in this tenant".
// The (tenant_id, code) pair is unique at the storage level; the derived
// "<CODE>-DEPLOYED" code distinguishes the installation from the catalog template.
func DeployedModuleResource() Resource {
	return Resource{
		Name:        "deployed_modules",
		RefPrefix:   "dep_",
		TenantField: "tenant_id",
		Uniques:     [][]string{{"tenant_id", "code"}},
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			StringField("code").WithRequired(),
			StringField("name").WithDefault(""),
			BoolField("active").WithDefault(true),
			JSONField("settings"),
			TimestampField("deployed_at"),
			StringField("deployed_by").WithNullable(),
			SoftRefField("transaction_id", "deployment_transactions"),
			SoftRefField("source_template_id", "templates"),
			SoftRefField("package_id", "templates"),
		},
	}
}

// AccountResource is one chart-of-accounts entry provisioned for a module.
func AccountResource() Resource {
	return Resource{
		Name:        "accounts",
		RefPrefix:   "acc_",
		TenantField: "tenant_id",
		Uniques:     [][]string{{"tenant_id", "code"}},
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			StringField("code").WithRequired().WithMaxLen(16),
			StringField("name").WithRequired(),
			StringField("account_type").WithPattern(`^(asset|liability|equity|revenue|expense)$`),
			StringField("module_code").WithNullable(),
			BoolField("active").WithDefault(true),
		},
	}
}

// WorkflowResource is one default workflow provisioned for a module.
func WorkflowResource() Resource {
	return Resource{
		Name:        "workflows",
		RefPrefix:   "wf_",
		TenantField: "tenant_id",
		Uniques:     [][]string{{"tenant_id", "code"}},
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			StringField("code").WithRequired().WithMaxLen(64),
			StringField("name").WithRequired(),
			JSONField("steps"),
			StringField("module_code").WithNullable(),
			BoolField("active").WithDefault(true),
		},
	}
}

// ModuleGrantResource is the "member has module access" edge.
func ModuleGrantResource() Resource {
	return Resource{
		Name:        "module_grants",
		RefPrefix:   "grant_",
		TenantField: "tenant_id",
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			SoftRefField("member_id", "members").WithRequired(),
			SoftRefField("deployed_module_id", "deployed_modules").WithRequired(),
			StringField("role").WithDefault("member"),
			JSONField("permissions"),
		},
	}
}

// DeploymentTransactionResource is the audit record for one deployment call.
// Status is monotonic: processing → completed or processing → failed, never
// reversed, never re-opened. The state machine enforces this.
func DeploymentTransactionResource() Resource {
	return Resource{
		Name:        "deployment_transactions",
		RefPrefix:   "txn_",
		TenantField: "tenant_id",
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			StringField("number").WithRequired().WithUnique(),
			SoftRefField("package_id", "templates"),
			StringField("status").WithDefault("processing"),
			StringField("actor_id").WithNullable(),
			JSONField("payload"),
			TimestampField("completed_at"),
		},
		StateMachine: &StateMachine{
			Field:   "status",
			Initial: "processing",
			Transitions: map[string][]string{
				"processing": {"completed", "failed"},
				"completed":  {},
				"failed":     {},
			},
		},
	}
}

// DeploymentLineResource itemizes one successfully-created deployed module
// within a deployment transaction.
func DeploymentLineResource() Resource {
	return Resource{
		Name:        "deployment_lines",
		RefPrefix:   "line_",
		TenantField: "tenant_id",
		Fields: []Field{
			SoftRefField("tenant_id", "tenants").WithRequired(),
			SoftRefField("transaction_id", "deployment_transactions").WithRequired(),
			SoftRefField("deployed_module_id", "deployed_modules"),
			IntField("position").WithDefault(0),
			StringField("description").WithNullable(),
		},
	}
}

// =============================================================================
// Visibility functions
// =============================================================================

// templateVisibility allows published templates to be seen by any tenant,
// but private ones only by their owning tenant (or platform operators).
func templateVisibility(ctx context.Context, authCtx AuthContext, row map[string]any) bool {
	if vis, ok := row["visibility"].(string); ok && vis == "published" {
		return true
	}
	if authCtx.Platform {
		return true
	}
	if !authCtx.Authenticated {
		return false
	}
	owner, _ := row["tenant_id"].(string)
	return owner != "" && owner == authCtx.TenantID
}

// slugify converts a name to a URL-safe slug.
func slugify(name string) string {
	slug := ""
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			slug += string(r)
		} else if r == ' ' {
			slug += "-"
		}
	}
	return slug
}
