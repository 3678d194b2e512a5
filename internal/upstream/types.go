package upstream

// Organization is an organization visible to the access token.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project is a project visible to the access token.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Region         string    `json:"region"`
	CreatedAt      string    `json:"created_at,omitempty"`
	Status         string    `json:"status,omitempty"`
	Database       *Database `json:"database,omitempty"`
}

// Database describes the Postgres instance behind a project.
type Database struct {
	Host    string `json:"host"`
	Version string `json:"version"`
}

// Backup is one database backup entry.
type Backup struct {
	Status           string `json:"status"`
	IsPhysicalBackup bool   `json:"is_physical_backup"`
	InsertedAt       string `json:"inserted_at"`
}

// PhysicalBackupData bounds the available physical backups.
type PhysicalBackupData struct {
	EarliestPhysicalBackupDateUnix int64 `json:"earliest_physical_backup_date_unix,omitempty"`
	LatestPhysicalBackupDateUnix   int64 `json:"latest_physical_backup_date_unix,omitempty"`
}

// BackupConfig is the backup configuration of a project database.
type BackupConfig struct {
	Region             string             `json:"region"`
	PITREnabled        bool               `json:"pitr_enabled"`
	WALGEnabled        bool               `json:"walg_enabled"`
	Backups            []Backup           `json:"backups"`
	PhysicalBackupData PhysicalBackupData `json:"physical_backup_data"`
}

// Member is an organization member.
type Member struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	Email      string `json:"email"`
	RoleName   string `json:"role_name"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

// TableRow is one row of the table catalog query.
type TableRow struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
	RLSEnabled bool   `json:"rls_enabled"`
}
