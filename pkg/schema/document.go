// Package schema renders extracted table descriptors as target-side schema
// documents: a $jsonSchema validator plus index specifications.
package schema

import (
	"encoding/json"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// BSONNull is the $jsonSchema type name that admits a missing value.
const BSONNull = "null"

// Document is the wire contract between the schema extractor and the target's
// collection-validator and index-creation APIs.
type Document struct {
	Collection string      `json:"collection" yaml:"collection" bson:"collection"`
	Validator  Validator   `json:"validator" yaml:"validator" bson:"validator"`
	Indexes    []IndexSpec `json:"indexes" yaml:"indexes" bson:"indexes"`
}

// Validator wraps the JSON schema the way MongoDB's collMod/create expects it.
type Validator struct {
	JSONSchema JSONSchema `json:"$jsonSchema" yaml:"$jsonSchema" bson:"$jsonSchema"`
}

// JSONSchema is the subset of MongoDB's $jsonSchema dialect we emit.
type JSONSchema struct {
	BSONType   string              `json:"bsonType" yaml:"bsonType" bson:"bsonType"`
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty" bson:"required,omitempty"`
	Properties map[string]Property `json:"properties" yaml:"properties" bson:"properties"`
}

// Property constrains one field. Nullable columns list "null" as a second type.
type Property struct {
	BSONType []string `json:"bsonType" yaml:"bsonType" bson:"bsonType"`
}

// IndexSpec is one index to create on the collection.
type IndexSpec struct {
	Name   string     `json:"name" yaml:"name" bson:"name"`
	Keys   []IndexKey `json:"key" yaml:"key" bson:"key"`
	Unique bool       `json:"unique" yaml:"unique" bson:"unique"`
}

// IndexKey is one field of a compound key, in key order. Order is 1 or -1.
type IndexKey struct {
	Field string `json:"field" yaml:"field" bson:"field"`
	Order int    `json:"order" yaml:"order" bson:"order"`
}

// PrimaryKeyIndexName returns the name given to the unique index that stands in
// for a table's primary key.
func PrimaryKeyIndexName(table string) string { return table + "_pkey" }

// ToTargetSchemaDocument renders td. Every column becomes a property typed by
// its coercion target; non-null columns are required. The primary key becomes
// a unique index listed first, followed by each source index except one that
// duplicates the primary key. Unsupported column types fail with
// *apperrors.UnsupportedTypeError.
func ToTargetSchemaDocument(td *models.TableDescriptor) (*Document, error) {
	if err := coerce.ValidateTable(td); err != nil {
		return nil, err
	}

	doc := &Document{
		Collection: td.Name(),
		Validator: Validator{JSONSchema: JSONSchema{
			BSONType:   "object",
			Properties: make(map[string]Property, len(td.Columns())),
		}},
	}

	for _, col := range td.Columns() {
		// validated above
		target, _ := coerce.TargetType(col.SourceType)
		prop := Property{BSONType: []string{target}}
		if col.Nullable {
			prop.BSONType = append(prop.BSONType, BSONNull)
		} else {
			doc.Validator.JSONSchema.Required = append(doc.Validator.JSONSchema.Required, col.Name)
		}
		doc.Validator.JSONSchema.Properties[col.Name] = prop
	}

	pk := td.PrimaryKey()
	if len(pk) > 0 {
		doc.Indexes = append(doc.Indexes, IndexSpec{
			Name:   PrimaryKeyIndexName(td.Name()),
			Keys:   ascending(pk),
			Unique: true,
		})
	}
	for _, idx := range td.Indexes() {
		if len(pk) > 0 && idx.Unique && slices.Equal(idx.Columns, pk) {
			continue
		}
		doc.Indexes = append(doc.Indexes, IndexSpec{
			Name:   idx.Name,
			Keys:   ascending(idx.Columns),
			Unique: idx.Unique,
		})
	}

	return doc, nil
}

func ascending(columns []string) []IndexKey {
	keys := make([]IndexKey, len(columns))
	for i, c := range columns {
		keys[i] = IndexKey{Field: c, Order: 1}
	}
	return keys
}

// KeyDocument returns the ordered index key as MongoDB expects it.
func (s IndexSpec) KeyDocument() bson.D {
	d := make(bson.D, len(s.Keys))
	for i, k := range s.Keys {
		d[i] = bson.E{Key: k.Field, Value: k.Order}
	}
	return d
}

// ValidatorDocument returns the validator as a BSON document for
// createCollection / collMod.
func (d *Document) ValidatorDocument() bson.M {
	s := d.Validator.JSONSchema
	props := bson.M{}
	for name, p := range s.Properties {
		props[name] = bson.M{"bsonType": p.BSONType}
	}
	js := bson.M{"bsonType": s.BSONType, "properties": props}
	if len(s.Required) > 0 {
		js["required"] = s.Required
	}
	return bson.M{"$jsonSchema": js}
}

// MarshalIndent renders the document as indented JSON.
func (d *Document) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
