package i18n

var ptBRCatalog = &Catalog{
	locale: "pt-BR",
	messages: map[Code]string{
		CodeUnknown:          "Ocorreu um erro inesperado",
		CodeInvalidArgument:  "A requisição está malformada",
		CodeNameInvalid:      "Nome de usuário é obrigatório e deve conter letras ou números",
		CodeNameTaken:        "O nome de usuário {{.Name}} já está em uso",
		CodeCapacityExceeded: "O lobby está cheio, tente novamente mais tarde",
		CodeNotFound:         "Jogador não está mais conectado",
		CodeDuplicateID:      "Conexão já está registrada",
	},
}
