package variable

import (
	"errors"
	"strings"
)

type DataType string

const (
	TYPE_STRING   DataType = "string"
	TYPE_NUMBER   DataType = "number"
	TYPE_INTEGER  DataType = "integer"
	TYPE_BOOLEAN  DataType = "boolean"
	TYPE_DATE     DataType = "date"
	TYPE_DATETIME DataType = "datetime"
	TYPE_EMAIL    DataType = "email"
	TYPE_PHONE    DataType = "phone"
	TYPE_URL      DataType = "url"
	TYPE_JSON     DataType = "json"
)

var ErrInvalidValue = errors.New("invalid variable value")

var ErrUnknownType = errors.New("unknown data type")

var dataTypeAliases = map[string]DataType{
	"string":    TYPE_STRING,
	"text":      TYPE_STRING,
	"number":    TYPE_NUMBER,
	"float":     TYPE_NUMBER,
	"decimal":   TYPE_NUMBER,
	"integer":   TYPE_INTEGER,
	"int":       TYPE_INTEGER,
	"boolean":   TYPE_BOOLEAN,
	"bool":      TYPE_BOOLEAN,
	"date":      TYPE_DATE,
	"datetime":  TYPE_DATETIME,
	"timestamp": TYPE_DATETIME,
	"email":     TYPE_EMAIL,
	"phone":     TYPE_PHONE,
	"url":       TYPE_URL,
	"json":      TYPE_JSON,
	"object":    TYPE_JSON,
	"array":     TYPE_JSON,
}

func ParseDataType(name string) (DataType, error) {
	if t, ok := dataTypeAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", ErrUnknownType
}
