package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"docqa/services/docqa/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Enum       []string          `yaml:"enum"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc, server.Routes()); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

// check verifies that the document describes exactly the served routes and
// that the error and stream event schemas match what the server writes.
func check(doc openAPIDoc, routes []string) error {
	var errs []error
	errs = append(errs, checkRoutes(documentedRoutes(doc), routes)...)

	if s, err := getSchema(doc, "ErrorResponse"); err != nil {
		errs = append(errs, err)
	} else if err := validateErrorResponse(s); err != nil {
		errs = append(errs, err)
	}
	if s, err := getSchema(doc, "StreamEvent"); err != nil {
		errs = append(errs, err)
	} else if err := validateStreamEvent(s); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// documentedRoutes returns "METHOD /path" for every operation in doc.
func documentedRoutes(doc openAPIDoc) []string {
	var out []string
	for path, item := range doc.Paths {
		for method := range item {
			if !httpMethods[method] {
				continue
			}
			out = append(out, strings.ToUpper(method)+" "+path)
		}
	}
	sort.Strings(out)
	return out
}

func checkRoutes(documented, served []string) []error {
	var errs []error
	for _, r := range served {
		if !slices.Contains(documented, r) {
			errs = append(errs, fmt.Errorf("route %q is served but not documented", r))
		}
	}
	for _, r := range documented {
		if !slices.Contains(served, r) {
			errs = append(errs, fmt.Errorf("route %q is documented but not served", r))
		}
	}
	return errs
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	if !makeSet(s.Required)["error"] {
		return errors.New(`ErrorResponse.required must include "error"`)
	}
	if prop, ok := s.Properties["error"]; !ok || prop.Type != "string" {
		return errors.New("ErrorResponse.error must be string")
	}
	return nil
}

func validateStreamEvent(s schema) error {
	if s.Type != "object" {
		return errors.New("StreamEvent must be object")
	}
	if !makeSet(s.Required)["type"] {
		return errors.New(`StreamEvent.required must include "type"`)
	}
	typeProp, ok := s.Properties["type"]
	if !ok || typeProp.Type != "string" {
		return errors.New("StreamEvent.type must be string")
	}
	want := []string{"chunk", "end", "error", "start"}
	got := append([]string(nil), typeProp.Enum...)
	sort.Strings(got)
	if !slices.Equal(got, want) {
		return fmt.Errorf("StreamEvent.type enum = %v, want %v", got, want)
	}
	for _, field := range []string{"content", "message"} {
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("StreamEvent.%s must be string", field)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
