package restsync

import (
	"fmt"
)

// accessing an undeclared attribute is a programmer error, not a convenience.
// silent zero values on schema drift hide correctness bugs.
type AttributeNotFoundError struct {
	Name string
}

func (self *AttributeNotFoundError) Error() string {
	return fmt.Sprintf("Attribute not found: %s", self.Name)
}

// no url root resolvable from the entity or its owning set
type MissingUrlError struct {
}

func (self *MissingUrlError) Error() string {
	return "Missing url configuration. Set UrlRoot on the entity or Url on the owning set."
}

type MemberNotFoundError struct {
	Id any
}

func (self *MemberNotFoundError) Error() string {
	return fmt.Sprintf("Member not found: %v", self.Id)
}
