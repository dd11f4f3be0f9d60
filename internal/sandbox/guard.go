package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"

	"signal-screener/internal/errs"
)

// vet statically checks an assembled filter file before it reaches the
// interpreter. It rejects foreign imports, attempts to escape the wrapper
// function by closing its brace and declaring new top-level symbols, and
// concurrency primitives that could outlive the evaluation deadline.
func vet(wrapped string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "filter.go", "package filter\n\n"+wrapped, 0)
	if err != nil {
		return errs.Wrap(errs.KindCompile, "filter does not parse", err)
	}

	for _, imp := range file.Imports {
		if imp.Name != nil {
			return errs.E(errs.KindCompile, "import aliases are not allowed in filters")
		}
		path := imp.Path.Value // quoted
		if path != fmt.Sprintf("%q", indicatorsImport) && path != fmt.Sprintf("%q", marketImport) {
			return errs.Ef(errs.KindCompile, "import %s is not allowed; filters may use only the indicator library", path)
		}
	}

	if err := checkTopLevel(file); err != nil {
		return err
	}

	var banned error
	ast.Inspect(file, func(n ast.Node) bool {
		if banned != nil {
			return false
		}
		switch n.(type) {
		case *ast.GoStmt:
			banned = errs.E(errs.KindCompile, "goroutines are not allowed in filters")
		case *ast.ChanType, *ast.SendStmt, *ast.SelectStmt:
			banned = errs.E(errs.KindCompile, "channels are not allowed in filters")
		}
		return banned == nil
	})
	return banned
}

// checkTopLevel verifies the file holds exactly the declarations the wrapper
// emits: one import block, the input and anchor vars, and one __match
// function. Anything beyond that means the snippet broke out of the
// function body.
func checkTopLevel(file *ast.File) error {
	imports, vars, funcs := 0, 0, 0
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			switch d.Tok {
			case token.IMPORT:
				imports++
			case token.VAR:
				vars++
			default:
				return errs.E(errs.KindCompile, "filters may not declare top-level symbols")
			}
		case *ast.FuncDecl:
			if d.Name.Name != matchFunc || d.Recv != nil {
				return errs.E(errs.KindCompile, "filters may not declare top-level functions")
			}
			funcs++
		default:
			return errs.E(errs.KindCompile, "filters may not declare top-level symbols")
		}
	}
	if imports > 1 || vars != 2 || funcs != 1 {
		return errs.E(errs.KindCompile, "filters may not declare top-level symbols")
	}
	return nil
}
