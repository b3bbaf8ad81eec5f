// Package entry parses Boot Loader Specification entry files.
//
// Only the keys needed to build a UKI are interpreted: title, options,
// linux and the repeatable initrd. Other keys are kept so that duplicates
// can be reported, but are otherwise ignored.
package entry
