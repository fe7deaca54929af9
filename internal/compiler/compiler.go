// Package compiler runs the compile pipeline over a notebook source:
// header extraction, annotation parsing and IR building.
package compiler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"cellserve/internal/annotation"
	"cellserve/internal/cell"
	"cellserve/internal/ir"
	"cellserve/internal/notebook"
	"cellserve/internal/notebook/pysig"
)

// Result is a compiled project plus counts for reporting.
type Result struct {
	Service   *ir.CompiledService
	Documents int
	Cells     int
	Annotated int
}

// Compile loads every document of src and builds the service.
func Compile(ctx context.Context, src notebook.Source, opts ...ir.Option) (*Result, error) {
	docs, err := src.Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load notebooks: %w", err)
	}
	return CompileDocuments(docs, opts...)
}

// CompileDocuments builds the service from already loaded documents.
// Cells are visited in document order, then cell order.
func CompileDocuments(docs []notebook.Document, opts ...ir.Option) (*Result, error) {
	res := &Result{Documents: len(docs)}
	index := pysig.NewIndex()
	var anns []annotation.Annotation

	for _, doc := range docs {
		for _, c := range doc.CodeCells() {
			res.Cells++
			header, body := annotation.SplitSource(c.Source)
			if !annotation.IsAnnotated(header) {
				continue
			}
			loc := cell.Location{Document: doc.ID, Cell: c.Index}
			a, err := annotation.Parse(header, loc)
			if err != nil {
				return nil, err
			}
			index.Add(loc, strings.Join(body, "\n"))
			anns = append(anns, a)
			res.Annotated++
		}
	}

	svc, err := ir.Build(anns, index, opts...)
	if err != nil {
		return nil, err
	}
	res.Service = svc
	return res, nil
}

// WriteTable prints the route, socket and schedule tables.
func WriteTable(w io.Writer, svc *ir.CompiledService) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "KIND\tMETHOD\tPATH\tHANDLER\tCELL")
	for _, r := range svc.Routes() {
		fmt.Fprintf(tw, "http\t%s\t%s\t%s\t%s\n", r.Method, r.Path, r.Target.Func, r.Target.Loc)
	}
	for _, s := range svc.Sockets() {
		fmt.Fprintf(tw, "ws\t%s\t%s\t%s\t%s\n", s.Mode, s.Path, s.Target.Func, s.Target.Loc)
	}
	for _, e := range svc.Schedules() {
		fmt.Fprintf(tw, "schedule\t-\t%s\t%s\t%s\n", e.Source, e.Target.Func, e.Target.Loc)
	}
	return tw.Flush()
}
