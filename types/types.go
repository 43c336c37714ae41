package types

// ObjectID is the ID of the object stored in the filesystem.
// In lookup slots the highest bit marks pages belonging to the object index.
type ObjectID uint16

// Reserved object IDs.
const (
	// ObjectIDFree marks erased slot which has never been written since the last block erase.
	ObjectIDFree ObjectID = 0xffff

	// ObjectIDDeleted marks slot of the page which has been deleted.
	ObjectIDDeleted ObjectID = 0x0000

	// ObjectIDIndexFlag is set on IDs of index pages.
	ObjectIDIndexFlag ObjectID = 0x8000
)

// IsFree returns true if slot has never been used.
func (id ObjectID) IsFree() bool {
	return id == ObjectIDFree
}

// IsDeleted returns true if slot belongs to deleted page.
func (id ObjectID) IsDeleted() bool {
	return id == ObjectIDDeleted
}

// IsIndex returns true if ID refers to index page.
func (id ObjectID) IsIndex() bool {
	return id&ObjectIDIndexFlag != 0
}

// Index returns ID with index flag set.
func (id ObjectID) Index() ObjectID {
	return id | ObjectIDIndexFlag
}

// Data returns ID with index flag cleared.
func (id ObjectID) Data() ObjectID {
	return id &^ ObjectIDIndexFlag
}

// PageIndex is the index of the page counted from the beginning of the filesystem.
type PageIndex uint16

// PageIndexFree is the value of index entry which does not point to any page.
const PageIndexFree PageIndex = 0xffff

// BlockIndex is the index of logical block.
type BlockIndex uint16

// SpanIndex is the position of the page inside object data or object index.
type SpanIndex uint16

// ObjectType is the type of the object.
type ObjectType uint8

// Object types.
const (
	FileType     ObjectType = 1
	DirType      ObjectType = 2
	HardLinkType ObjectType = 3
	SoftLinkType ObjectType = 4
)

// SizeUndefined is the size stored in index header of the object which has never been written.
const SizeUndefined uint32 = 0xffffffff

// PageFlags are the flags stored in page header.
// Flash is able to clear bits only, so flag is active when its bit is 0.
type PageFlags uint8

// Page flags.
const (
	FlagUsed         PageFlags = 1 << 0
	FlagFinal        PageFlags = 1 << 1
	FlagIndex        PageFlags = 1 << 2
	FlagIndexDeleted PageFlags = 1 << 6
	FlagDeleted      PageFlags = 1 << 7

	// FlagsErased is the value of flags byte after erase.
	FlagsErased PageFlags = 0xff
)

// Clear activates the flag.
func (f PageFlags) Clear(flag PageFlags) PageFlags {
	return f &^ flag
}

// IsUsed returns true if page header has been written.
func (f PageFlags) IsUsed() bool {
	return f&FlagUsed == 0
}

// IsFinal returns true if page has been committed.
func (f PageFlags) IsFinal() bool {
	return f&FlagFinal == 0
}

// IsDeleted returns true if page has been deleted.
func (f PageFlags) IsDeleted() bool {
	return f&FlagDeleted == 0
}

// IsIndex returns true if page belongs to the object index.
// Index flag is cleared for index pages and left set for data pages.
func (f PageFlags) IsIndex() bool {
	return f&FlagIndex == 0
}

// IsLive returns true if page is final and not deleted.
func (f PageFlags) IsLive() bool {
	return f&(FlagFinal|FlagDeleted) == FlagDeleted
}
