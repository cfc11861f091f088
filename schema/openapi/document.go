// Package openapi describes a state tree as an OpenAPI document: one read
// operation for the whole tree plus read and write operations for every
// writable path. Top-level roots are published as reusable components.
package openapi

import (
	"fmt"
	"sort"
	"strings"
)

// Document builds the OpenAPI document for tree. writable lists dotted state
// paths that accept writes; each becomes a GET and PUT operation.
func Document(tree map[string]any, writable []string, opts ...Option) (map[string]any, error) {
	cfg := defaultGeneratorConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	builder := &documentBuilder{config: cfg, registry: newComponentRegistry()}
	return builder.build(tree, writable)
}

type documentBuilder struct {
	config   generatorConfig
	registry *componentRegistry
}

func (b *documentBuilder) build(tree map[string]any, writable []string) (map[string]any, error) {
	rootSchema, err := b.treeSchema(tree)
	if err != nil {
		return nil, err
	}

	paths := map[string]any{
		b.config.basePath: map[string]any{
			"get": map[string]any{
				"operationId": "get:state",
				"summary":     "Read the whole state tree",
				"responses":   b.jsonResponse("200", "Current state", rootSchema),
			},
		},
	}

	sorted := append([]string(nil), writable...)
	sort.Strings(sorted)
	for _, path := range sorted {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		schema, err := b.pathSchema(tree, path)
		if err != nil {
			return nil, fmt.Errorf("openapi: %s: %w", path, err)
		}
		responses := b.jsonResponse("200", "Value accepted by the bridge", schema)
		responses["409"] = map[string]any{"description": "Write rejected by validation"}
		paths[b.config.basePath+"/"+path] = map[string]any{
			"get": map[string]any{
				"operationId": "get:" + path,
				"responses":   b.jsonResponse("200", "Current value", schema),
			},
			"put": map[string]any{
				"operationId": "put:" + path,
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						b.config.contentType: map[string]any{"schema": schema},
					},
				},
				"responses": responses,
			},
		}
	}

	document := map[string]any{
		"openapi": b.config.openAPIVersion,
		"info":    b.buildInfo(),
		"paths":   paths,
	}
	if components := b.registry.componentsMap(); components != nil {
		document["components"] = map[string]any{"schemas": components}
	}
	if err := validateDocument(document); err != nil {
		return nil, err
	}
	return document, nil
}

// treeSchema references one component per top-level root.
func (b *documentBuilder) treeSchema(tree map[string]any) (map[string]any, error) {
	roots := make([]string, 0, len(tree))
	for root := range tree {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	properties := make(map[string]any, len(roots))
	for _, root := range roots {
		schema, err := Schema(tree[root])
		if err != nil {
			return nil, fmt.Errorf("openapi: %s: %w", root, err)
		}
		properties[root] = map[string]any{"$ref": b.registry.register(root, schema)}
	}
	return map[string]any{"type": "object", "properties": properties}, nil
}

// pathSchema describes the value at a dotted path. A writable root reuses its
// component; a path with no current value accepts anything.
func (b *documentBuilder) pathSchema(tree map[string]any, path string) (map[string]any, error) {
	segments := strings.Split(path, ".")
	var current any = tree
	for _, segment := range segments {
		mapping, ok := current.(map[string]any)
		if !ok {
			return map[string]any{}, nil
		}
		if current, ok = mapping[segment]; !ok {
			return map[string]any{}, nil
		}
	}
	if len(segments) == 1 {
		if name, ok := b.registry.names[path]; ok {
			return map[string]any{"$ref": "#/components/schemas/" + name}, nil
		}
	}
	return Schema(current)
}

func (b *documentBuilder) jsonResponse(status, description string, schema map[string]any) map[string]any {
	return map[string]any{
		status: map[string]any{
			"description": description,
			"content": map[string]any{
				b.config.contentType: map[string]any{"schema": schema},
			},
		},
	}
}

func (b *documentBuilder) buildInfo() map[string]any {
	info := map[string]any{
		"title":   b.config.info.Title,
		"version": b.config.info.Version,
	}
	if b.config.info.Description != "" {
		info["description"] = b.config.info.Description
	}
	return info
}

func validateDocument(document map[string]any) error {
	info, _ := document["info"].(map[string]any)
	if title, _ := info["title"].(string); title == "" {
		return fmt.Errorf("openapi: info.title must be set")
	}
	if version, _ := info["version"].(string); version == "" {
		return fmt.Errorf("openapi: info.version must be set")
	}
	paths, _ := document["paths"].(map[string]any)
	for pathKey, pathValue := range paths {
		pathItem, _ := pathValue.(map[string]any)
		if len(pathItem) == 0 {
			return fmt.Errorf("openapi: path %q missing operations", pathKey)
		}
		for method, operationValue := range pathItem {
			operation, _ := operationValue.(map[string]any)
			if _, ok := operation["operationId"].(string); !ok {
				return fmt.Errorf("openapi: operation %s %s missing operationId", method, pathKey)
			}
			if _, ok := operation["responses"].(map[string]any); !ok {
				return fmt.Errorf("openapi: operation %s %s missing responses", method, pathKey)
			}
			if method == "put" {
				if _, ok := operation["requestBody"].(map[string]any); !ok {
					return fmt.Errorf("openapi: operation %s %s missing requestBody", method, pathKey)
				}
			}
		}
	}
	return nil
}
