package session

import (
	"fmt"

	"relmap/data/orm"
	"relmap/errors"
)

func identityConflictError(typeName string, id int64) error {
	return errors.NewError(errors.ErrCodeIdentityConflict,
		fmt.Sprintf("%s#%d is already managed by a different instance", typeName, id)).
		WithContext("entity_type", typeName).
		WithContext("entity_id", id)
}

func transientReferenceError(owner *Entity, d *orm.AssociationDescriptor, target *Entity, state State) error {
	return errors.NewError(errors.ErrCodeTransientReference,
		fmt.Sprintf("%s.%s references %s in state %s; save it or cascade persist over %s",
			owner, d.Name, target, state, d.Key())).
		WithContext("slot", d.Key())
}

func lazyInitError(owner *Entity, d *orm.AssociationDescriptor, reason string) error {
	name := "?"
	if d != nil {
		name = d.Name
	}
	return errors.NewError(errors.ErrCodeLazyInitialization,
		fmt.Sprintf("cannot load %s.%s: %s", owner, name, reason)).
		WithContext("slot", name)
}

func ignoredWriteError(owner *Entity, d *orm.AssociationDescriptor, member *Entity) error {
	return errors.NewError(errors.ErrCodeIgnoredAssociationWrite,
		fmt.Sprintf("%s.%s changed for %s but the owning side %s.%s does not reflect it",
			owner, d.Name, member, d.TargetType, d.MappedBy)).
		WithContext("slot", d.Key())
}

func unknownSlotError(typeName, name string) error {
	return errors.NewError(errors.ErrCodeInvalidInput,
		fmt.Sprintf("%s has no association %q", typeName, name))
}

func closedError(id string) error {
	return errors.ErrClosed.Wrap("unit of work " + id)
}
