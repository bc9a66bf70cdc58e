package restsync

import (
	"golang.org/x/exp/slices"
)

// diff between the committed and working snapshots of an entity.
// the diff is minimal: a change to one nested field produces a patch
// containing only that field, which keeps PATCH payloads small.
// arrays are atomic values. merging arrays element-wise by index
// corrupts reordered lists, so an array change always reports the
// entire new array.

// the union of keys whose values differ between the two snapshots
func ChangedKeys(committed Attributes, working Attributes) []string {
	names := sortedKeys(committed)
	for _, name := range sortedKeys(working) {
		if _, ok := committed[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	changed := []string{}
	for _, name := range names {
		committedValue, inCommitted := committed[name]
		workingValue, inWorking := working[name]
		if inCommitted != inWorking || !deepEqual(committedValue, workingValue) {
			changed = append(changed, name)
		}
	}
	return changed
}

// the minimal nested patch that takes `committed` to `working`.
// structured (object-shaped) values recurse and report only the changed
// sub-keys. atomic values (arrays, scalars) report the entire new value.
// a key removed from `working` reports nil
func Diff(committed Attributes, working Attributes) Attributes {
	changes := Attributes{}
	for _, name := range ChangedKeys(committed, working) {
		committedValue := committed[name]
		workingValue, inWorking := working[name]
		if !inWorking {
			changes[name] = nil
			continue
		}
		committedMap, committedOk := plainMap(committedValue)
		workingMap, workingOk := plainMap(workingValue)
		if committedOk && workingOk {
			changes[name] = Diff(committedMap, workingMap)
		} else {
			changes[name] = copyValue(workingValue)
		}
	}
	return changes
}

// deep-merges `changes` into `oldAttributes` and returns a new bag.
// nested objects merge recursively. arrays replace wholesale, never
// element-wise. neither input is mutated
func ApplyPatchChanges(oldAttributes Attributes, changes Attributes) Attributes {
	out := CopyAttributes(oldAttributes)
	for name, changeValue := range changes {
		changeMap, changeOk := plainMap(changeValue)
		oldMap, oldOk := plainMap(out[name])
		if changeOk && oldOk {
			out[name] = ApplyPatchChanges(oldMap, changeMap)
		} else {
			out[name] = copyValue(changeValue)
		}
	}
	return out
}
