package archive

import "sort"

// CheckCompatibility compares the physical column sets of two tables and
// returns a *SchemaMismatchError when they differ.
func CheckCompatibility(source, destination *TableSchema) error {
	srcCols := toSet(source.PhysicalColumns())
	dstCols := toSet(destination.PhysicalColumns())

	var missingInDest, missingInSource []string
	for name := range srcCols {
		if !dstCols[name] {
			missingInDest = append(missingInDest, name)
		}
	}
	for name := range dstCols {
		if !srcCols[name] {
			missingInSource = append(missingInSource, name)
		}
	}

	if len(missingInDest) == 0 && len(missingInSource) == 0 {
		return nil
	}

	sort.Strings(missingInDest)
	sort.Strings(missingInSource)
	diff := append(append([]string{}, missingInDest...), missingInSource...)
	sort.Strings(diff)

	return &SchemaMismatchError{
		Source:          source.Name,
		Destination:     destination.Name,
		Diff:            diff,
		MissingInDest:   missingInDest,
		MissingInSource: missingInSource,
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
