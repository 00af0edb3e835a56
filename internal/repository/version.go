package repository

import (
	"database/sql"
	"strings"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

const VERSION_COLUMNS = ` id, workflow_definition_id, version_number, definition,
		canvas_layout, status, change_notes, published_at, published_by, created, modified `

type VersionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewVersionRepository(db *sql.DB, clock core.Clock) *VersionRepository {
	return &VersionRepository{db: db, clock: clock}
}

func scanVersion(row interface{ Scan(dest ...any) error }) (*domain.WorkflowVersion, error) {
	var v domain.WorkflowVersion
	err := row.Scan(
		&v.ID,
		&v.DefinitionID,
		&v.VersionNumber,
		&v.Definition,
		&v.CanvasLayout,
		&v.Status,
		&v.ChangeNotes,
		&v.PublishedAt,
		&v.PublishedBy,
		&v.Created,
		&v.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *VersionRepository) FindByID(id int64) (*domain.WorkflowVersion, error) {
	query := `
		SELECT ` + VERSION_COLUMNS + `
		FROM workflow_versions WHERE id = ` + placeholder(1) + `
	`
	v, err := scanVersion(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// MaxVersionNumber returns the highest version number recorded for a
// definition, 0 when none exist.
func (r *VersionRepository) MaxVersionNumber(definitionID int64) (int, error) {
	query := `
		SELECT COALESCE(MAX(version_number), 0)
		FROM workflow_versions WHERE workflow_definition_id = ` + placeholder(1) + `
	`
	var max int
	err := r.db.QueryRow(query, definitionID).Scan(&max)
	return max, err
}

func (r *VersionRepository) FindPublished(definitionID int64) (*domain.WorkflowVersion, error) {
	query := `
		SELECT ` + VERSION_COLUMNS + `
		FROM workflow_versions
		WHERE workflow_definition_id = ` + placeholder(1) + ` AND status = '` + domain.VersionStatusPublished + `'
		ORDER BY version_number DESC
		LIMIT 1
	`
	v, err := scanVersion(r.db.QueryRow(query, definitionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// FindAll returns every version of a definition, newest first.
func (r *VersionRepository) FindAll(definitionID int64) ([]domain.WorkflowVersion, error) {
	query := `
		SELECT ` + VERSION_COLUMNS + `
		FROM workflow_versions
		WHERE workflow_definition_id = ` + placeholder(1) + `
		ORDER BY version_number DESC
	`
	rows, err := r.db.Query(query, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (r *VersionRepository) Create(v *domain.WorkflowVersion) (int64, error) {
	now := r.clock.Now()
	vals := []any{v.DefinitionID, v.VersionNumber, v.Definition, v.CanvasLayout,
		v.Status, v.ChangeNotes, formatDateInDatabaseNull(v.PublishedAt), v.PublishedBy,
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_versions (
		workflow_definition_id, version_number, definition, canvas_layout,
		status, change_notes, published_at, published_by, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &v.ID)
}

// UpdateDraft rewrites the mutable fields of a draft version.
func (r *VersionRepository) UpdateDraft(v *domain.WorkflowVersion) error {
	query := `
		UPDATE workflow_versions
		SET definition = ` + placeholder(1) + `,
		    canvas_layout = ` + placeholder(2) + `,
		    change_notes = ` + placeholder(3) + `,
		    modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(4) + ` AND status = '` + domain.VersionStatusDraft + `'
	`
	res, err := r.db.Exec(query, v.Definition, v.CanvasLayout, v.ChangeNotes, v.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// Publish promotes a draft in one transaction: archive the currently
// published version if any, mark the target published, then point the
// definition at it and activate the definition.
func (r *VersionRepository) Publish(v *domain.WorkflowVersion, publishedBy sql.NullInt64) error {
	return runInTx(r.db, func(tx *sql.Tx) error {
		archive := `
			UPDATE workflow_versions
			SET status = '` + domain.VersionStatusArchived + `', modified = ` + nowFunc(r.clock) + `
			WHERE workflow_definition_id = ` + placeholder(1) + ` AND status = '` + domain.VersionStatusPublished + `'
		`
		if _, err := tx.Exec(archive, v.DefinitionID); err != nil {
			return err
		}

		now := r.clock.Now()
		publish := `
			UPDATE workflow_versions
			SET status = '` + domain.VersionStatusPublished + `',
			    published_at = ` + placeholder(1) + `,
			    published_by = ` + placeholder(2) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(3) + `
		`
		if _, err := tx.Exec(publish, formatDateInDatabase(now), publishedBy, v.ID); err != nil {
			return err
		}

		repoint := `
			UPDATE workflow_definitions
			SET current_version_id = ` + placeholder(1) + `,
			    is_active = ` + boolLiteral(true) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(2) + `
		`
		_, err := tx.Exec(repoint, v.ID, v.DefinitionID)
		return err
	})
}

// Archive retires a published version. When clearPointer is set the owning
// definition is also detached and deactivated.
func (r *VersionRepository) Archive(v *domain.WorkflowVersion, clearPointer bool) error {
	return runInTx(r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE workflow_versions
			SET status = '` + domain.VersionStatusArchived + `', modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(1) + `
		`
		if _, err := tx.Exec(query, v.ID); err != nil {
			return err
		}
		if !clearPointer {
			return nil
		}
		detach := `
			UPDATE workflow_definitions
			SET current_version_id = NULL,
			    is_active = ` + boolLiteral(false) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(1) + ` AND current_version_id = ` + placeholder(2) + `
		`
		_, err := tx.Exec(detach, v.DefinitionID, v.ID)
		return err
	})
}

// MigrateInstance repoints a running instance at a new version and records
// the migration, atomically.
func (r *VersionRepository) MigrateInstance(inst *domain.WorkflowInstance, mig *domain.WorkflowInstanceMigration) error {
	return runInTx(r.db, func(tx *sql.Tx) error {
		update := `
			UPDATE workflow_instances
			SET workflow_version_id = ` + placeholder(1) + `,
			    active_nodes = ` + placeholder(2) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(3) + `
		`
		res, err := tx.Exec(update, inst.VersionID, inst.ActiveNodes, inst.ID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return sql.ErrNoRows
		}

		vals := []any{mig.InstanceID, mig.FromVersionID, mig.ToVersionID,
			mig.NodeMapping, mig.MigrationType, mig.MigratedBy,
			formatDateInDatabase(r.clock.Now())}
		pps := make([]string, 0, len(vals))
		for i := range vals {
			pps = append(pps, placeholder(i+1))
		}
		insert := `INSERT INTO workflow_instance_migrations (
			workflow_instance_id, from_version_id, to_version_id,
			node_mapping, migration_type, migrated_by, created
		) VALUES (` + strings.Join(pps, ", ") + `)`
		_, err = insertReturningID(tx, insert, vals, &mig.ID)
		return err
	})
}

// FindMigrations returns the migration history for an instance, oldest first.
func (r *VersionRepository) FindMigrations(instanceID int64) ([]domain.WorkflowInstanceMigration, error) {
	query := `
		SELECT id, workflow_instance_id, from_version_id, to_version_id,
		       node_mapping, migration_type, migrated_by, created
		FROM workflow_instance_migrations
		WHERE workflow_instance_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []domain.WorkflowInstanceMigration
	for rows.Next() {
		var m domain.WorkflowInstanceMigration
		if err := rows.Scan(
			&m.ID,
			&m.InstanceID,
			&m.FromVersionID,
			&m.ToVersionID,
			&m.NodeMapping,
			&m.MigrationType,
			&m.MigratedBy,
			&m.Created,
		); err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, rows.Err()
}
