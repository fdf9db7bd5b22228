package main

import (
	"golang.org/x/crypto/bcrypt"
)

type Login interface {
	Login(email, password string) (*Usr, error)
	NewUser(email, password string, admin bool) (*Usr, error)
	ChangePassword(email, oldPassword, newPassword string) error
}

type dbLogin struct {
	db Database
}

func NewLogin(db Database) Login {
	return &dbLogin{db: db}
}

func (lg dbLogin) Login(email, password string) (*Usr, error) {
	user, passwordBytes, e := lg.db.GetUserAndPassword(email)
	if e != nil {
		return nil, e
	}
	e = bcrypt.CompareHashAndPassword(passwordBytes, []byte(password))
	if e != nil {
		return nil, e
	}
	return user, nil
}

func (lg dbLogin) NewUser(email, password string, admin bool) (*Usr, error) {
	passwordBytes, e := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if e != nil {
		return nil, e
	}
	usr, e := lg.db.InsertUser(email, passwordBytes, admin)
	if e != nil {
		return nil, e
	}
	return usr, nil
}

func (lg dbLogin) ChangePassword(email, oldPassword, newPassword string) error {
	if _, e := lg.Login(email, oldPassword); e != nil {
		return e
	}
	passwordBytes, e := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if e != nil {
		return e
	}
	return lg.db.SetUserPassword(email, passwordBytes)
}
