package database

import (
	"errors"
	"fmt"
)

// Valid annotation types. "classification" is an image-level label and
// carries no geometry; all others require geometry.
var annotationTypes = map[string]bool{
	"bounding_box":   true,
	"polygon":        true,
	"point":          true,
	"classification": true,
}

var ErrInvalidAnnotation = errors.New("invalid annotation")

// InsertAnnotation attaches an annotation to a result and returns its id.
func (db *DB) InsertAnnotation(a *Annotation) (int64, error) {
	if !annotationTypes[a.AnnotationType] {
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidAnnotation, a.AnnotationType)
	}
	if a.AnnotationType != "classification" && a.GeometryJSON == nil {
		return 0, fmt.Errorf("%w: type %q requires geometry", ErrInvalidAnnotation, a.AnnotationType)
	}

	result, err := db.conn.Exec(
		`INSERT INTO annotations (result_id, annotation_type, geometry_json, label, category, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ResultID, a.AnnotationType, a.GeometryJSON, a.Label, a.Category, a.Notes,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAnnotationsForResult returns all annotations on a result, oldest first.
func (db *DB) GetAnnotationsForResult(resultID int64) ([]Annotation, error) {
	rows, err := db.conn.Query(
		`SELECT annotation_id, result_id, annotation_type, geometry_json,
		label, category, notes, created_at
		FROM annotations WHERE result_id = ? ORDER BY annotation_id ASC`,
		resultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var annotations []Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.AnnotationID, &a.ResultID, &a.AnnotationType,
			&a.GeometryJSON, &a.Label, &a.Category, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		annotations = append(annotations, a)
	}
	return annotations, rows.Err()
}

// CountAnnotationsForResult returns how many annotations a result has.
func (db *DB) CountAnnotationsForResult(resultID int64) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM annotations WHERE result_id = ?", resultID,
	).Scan(&n)
	return n, err
}

// DeleteAnnotation removes a single annotation. Returns true if a row was
// deleted.
func (db *DB) DeleteAnnotation(annotationID int64) (bool, error) {
	result, err := db.conn.Exec(
		"DELETE FROM annotations WHERE annotation_id = ?", annotationID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
